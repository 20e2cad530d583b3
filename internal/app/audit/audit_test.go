package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
)

type recordStoreStub struct {
	entries []Entry
	seen    map[string]bool
	err     error
}

func newRecordStoreStub() *recordStoreStub {
	return &recordStoreStub{seen: map[string]bool{}}
}

func (s *recordStoreStub) Insert(_ context.Context, entry Entry) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.seen[entry.EventID] {
		return false, nil
	}
	s.seen[entry.EventID] = true
	s.entries = append(s.entries, entry)
	return true, nil
}

func newTestService(store RecordStore) *Service {
	return NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func envelopeJSON(t *testing.T, mutate func(*contracts.Envelope)) []byte {
	t.Helper()
	due := time.Date(2024, time.June, 2, 9, 0, 0, 0, time.UTC)
	env := contracts.Envelope{
		EventID:   "EVT-AUDIT-1",
		EventType: contracts.EventTaskCreated,
		TaskID:    "task-1",
		UserID:    "user-1",
		TaskSnapshot: contracts.TaskSnapshot{
			Title:        "Water plants",
			Priority:     "high",
			Tags:         []string{"home", "garden"},
			DueDate:      &due,
			RecurrenceID: "rule-1",
		},
		OccurredAt:    time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
		Source:        contracts.SourceUserAction,
	}
	if mutate != nil {
		mutate(&env)
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestHandleRecordsEntry(t *testing.T) {
	store := newRecordStoreStub()
	svc := newTestService(store)

	outcome, err := svc.Handle(context.Background(), envelopeJSON(t, nil))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeProcessed, outcome)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, "EVT-AUDIT-1", entry.EventID)
	assert.Equal(t, contracts.EventTaskCreated, entry.EventType)
	assert.Equal(t, "task-1", entry.TaskID)
	assert.Equal(t, "user-1", entry.UserID)
	assert.Equal(t, contracts.SourceUserAction, entry.Source)
	assert.Equal(t, "high", entry.Details.Priority)
	assert.True(t, entry.Details.HasDueDate)
	assert.True(t, entry.Details.Recurring)
	assert.Equal(t, 2, entry.Details.TagCount)
}

func TestHandleRepeatedDeliveriesYieldOneRow(t *testing.T) {
	store := newRecordStoreStub()
	svc := newTestService(store)
	payload := envelopeJSON(t, nil)

	for i := 0; i < 5; i++ {
		outcome, err := svc.Handle(context.Background(), payload)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, messaging.OutcomeProcessed, outcome)
		} else {
			assert.Equal(t, messaging.OutcomeDuplicate, outcome)
		}
	}
	assert.Len(t, store.entries, 1)
}

func TestHandleRejectsBadPayloads(t *testing.T) {
	svc := newTestService(newRecordStoreStub())

	_, err := svc.Handle(context.Background(), []byte("oops"))
	assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)

	_, err = svc.Handle(context.Background(), envelopeJSON(t, func(env *contracts.Envelope) {
		env.EventType = "task.archived"
	}))
	assert.ErrorIs(t, err, contracts.ErrUnsupportedEvent)

	_, err = svc.Handle(context.Background(), envelopeJSON(t, func(env *contracts.Envelope) {
		env.EventID = ""
	}))
	assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)

	_, err = svc.Handle(context.Background(), envelopeJSON(t, func(env *contracts.Envelope) {
		env.SchemaVersion = "2.0.0"
	}))
	assert.ErrorIs(t, err, contracts.ErrSchemaVersionNewer)
}

func TestHandleSurfacesStoreErrors(t *testing.T) {
	store := newRecordStoreStub()
	store.err = errors.New("connection refused")
	svc := newTestService(store)

	_, err := svc.Handle(context.Background(), envelopeJSON(t, nil))
	require.ErrorIs(t, err, store.err)
}

func TestEntryFromEnvelopeMinimalTask(t *testing.T) {
	env := contracts.Envelope{
		EventID:   "EVT-2",
		EventType: contracts.EventTaskDeleted,
		TaskID:    "task-2",
		UserID:    "user-2",
		TaskSnapshot: contracts.TaskSnapshot{
			Title:    "Quick note",
			Priority: "low",
		},
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: contracts.SchemaVersion,
	}
	entry := EntryFromEnvelope(env)
	assert.False(t, entry.Details.HasDueDate)
	assert.False(t, entry.Details.Recurring)
	assert.Zero(t, entry.Details.TagCount)
}
