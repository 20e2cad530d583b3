package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		EventID:   "ev-1",
		EventType: EventTaskCreated,
		TaskID:    "task-1",
		UserID:    "user-1",
		TaskSnapshot: TaskSnapshot{
			Title:    "Weekly sync",
			Priority: "normal",
		},
		OccurredAt:    time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC),
		SchemaVersion: SchemaVersion,
		Source:        SourceUserAction,
	}
}

func TestEnvelopeValidate(t *testing.T) {
	require.NoError(t, validEnvelope().Validate())

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr error
	}{
		{"missing event id", func(e *Envelope) { e.EventID = " " }, ErrInvalidEnvelope},
		{"missing task id", func(e *Envelope) { e.TaskID = "" }, ErrInvalidEnvelope},
		{"missing user id", func(e *Envelope) { e.UserID = "" }, ErrInvalidEnvelope},
		{"unknown event type", func(e *Envelope) { e.EventType = "task.archived" }, ErrUnsupportedEvent},
		{"zero occurred at", func(e *Envelope) { e.OccurredAt = time.Time{} }, ErrInvalidEnvelope},
		{"missing schema version", func(e *Envelope) { e.SchemaVersion = "" }, ErrSchemaVersionNewer},
		{"future major version", func(e *Envelope) { e.SchemaVersion = "2.0.0" }, ErrSchemaVersionNewer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := validEnvelope()
			tc.mutate(&e)
			assert.ErrorIs(t, e.Validate(), tc.wantErr)
		})
	}
}

func TestEnvelopeValidateAcceptsMinorVersions(t *testing.T) {
	e := validEnvelope()
	e.SchemaVersion = "1.4.2"
	assert.NoError(t, e.Validate())
}

func TestUpdatePayloadValidate(t *testing.T) {
	u := UpdatePayload{
		UpdateType:    EventTaskUpdated,
		EventID:       "ev-2",
		TaskID:        "task-2",
		UserID:        "user-2",
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
	require.NoError(t, u.Validate())

	u.UpdateType = "noise"
	assert.ErrorIs(t, u.Validate(), ErrInvalidUpdate)
}

func TestShortType(t *testing.T) {
	assert.Equal(t, "completed", ShortType(EventTaskCompleted))
	assert.Equal(t, "created", ShortType(EventTaskCreated))
	assert.Equal(t, "ping", ShortType("ping"))
}
