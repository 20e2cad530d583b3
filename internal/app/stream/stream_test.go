package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/config"
)

type connStub struct {
	mu     sync.Mutex
	err    error
	writes [][]byte
}

func (c *connStub) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *connStub) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func newTestBroadcaster(reg *Registry) *Broadcaster {
	return NewBroadcaster(reg, slog.New(slog.NewTextHandler(io.Discard, nil)), config.StreamConfig{
		WriteTimeout: time.Second,
	})
}

func updateJSON(t *testing.T, userID string) []byte {
	t.Helper()
	data, err := json.Marshal(contracts.UpdatePayload{
		UpdateType:    contracts.EventTaskCreated,
		EventID:       "EVT-1",
		TaskID:        "task-1",
		UserID:        userID,
		Task:          contracts.TaskSnapshot{Title: "Water plants", Priority: "low"},
		Timestamp:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
	})
	require.NoError(t, err)
	return data
}

func TestRegistryCapsConnectionsPerUser(t *testing.T) {
	reg := NewRegistry(2)

	first, err := reg.Register("user-1", &connStub{})
	require.NoError(t, err)
	_, err = reg.Register("user-1", &connStub{})
	require.NoError(t, err)

	_, err = reg.Register("user-1", &connStub{})
	require.ErrorIs(t, err, ErrTooManyConnections)

	// The cap is per user, not global.
	_, err = reg.Register("user-2", &connStub{})
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Active())

	reg.Deregister("user-1", first)
	_, err = reg.Register("user-1", &connStub{})
	require.NoError(t, err)
}

func TestRegistryDeregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(2)

	id, err := reg.Register("user-1", &connStub{})
	require.NoError(t, err)

	reg.Deregister("user-1", "not-a-connection")
	reg.Deregister("someone-else", id)
	assert.Equal(t, 1, reg.Active())

	reg.Deregister("user-1", id)
	reg.Deregister("user-1", id)
	assert.Equal(t, 0, reg.Active())
}

func TestHandleUpdateFansOutToOwner(t *testing.T) {
	reg := NewRegistry(4)
	owner1 := &connStub{}
	owner2 := &connStub{}
	other := &connStub{}

	_, err := reg.Register("user-1", owner1)
	require.NoError(t, err)
	_, err = reg.Register("user-1", owner2)
	require.NoError(t, err)
	_, err = reg.Register("user-2", other)
	require.NoError(t, err)

	b := newTestBroadcaster(reg)
	data := updateJSON(t, "user-1")

	outcome, err := b.HandleUpdate(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeProcessed, outcome)

	// Both of the owner's connections get the exact published bytes.
	require.Len(t, owner1.received(), 1)
	assert.Equal(t, data, owner1.received()[0])
	require.Len(t, owner2.received(), 1)
	assert.Equal(t, data, owner2.received()[0])
	assert.Empty(t, other.received())
}

func TestHandleUpdateNoConnectionsIsSuccess(t *testing.T) {
	b := newTestBroadcaster(NewRegistry(4))

	outcome, err := b.HandleUpdate(context.Background(), updateJSON(t, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeSkipped, outcome)
}

func TestHandleUpdateDropsDeadConnection(t *testing.T) {
	reg := NewRegistry(4)
	healthy := &connStub{}
	dead := &connStub{err: errors.New("write timeout")}

	_, err := reg.Register("user-1", healthy)
	require.NoError(t, err)
	_, err = reg.Register("user-1", dead)
	require.NoError(t, err)

	b := newTestBroadcaster(reg)

	outcome, err := b.HandleUpdate(context.Background(), updateJSON(t, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeProcessed, outcome)
	assert.Equal(t, 1, reg.Active())

	// The survivor keeps receiving after the dead connection is gone.
	outcome, err = b.HandleUpdate(context.Background(), updateJSON(t, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeProcessed, outcome)
	assert.Len(t, healthy.received(), 2)
	assert.Empty(t, dead.received())
}

func TestHandleUpdateRejectsBadPayloads(t *testing.T) {
	b := newTestBroadcaster(NewRegistry(4))

	_, err := b.HandleUpdate(context.Background(), []byte("{"))
	require.ErrorIs(t, err, contracts.ErrInvalidUpdate)

	_, err = b.HandleUpdate(context.Background(), updateJSON(t, ""))
	require.ErrorIs(t, err, contracts.ErrInvalidUpdate)
}
