package contracts

import (
	"errors"
	"strings"
	"time"
)

// SchemaVersion is stamped on every envelope and update payload.
const SchemaVersion = "1.0.0"

// Lifecycle event types carried in Envelope.EventType.
const (
	EventTaskCreated   = "task.created"
	EventTaskUpdated   = "task.updated"
	EventTaskCompleted = "task.completed"
	EventTaskDeleted   = "task.deleted"
)

// Envelope sources.
const (
	SourceUserAction = "user_action"
	SourceRecurrence = "recurrence"
	SourceSystem     = "system"
)

var (
	ErrInvalidEnvelope    = errors.New("invalid event envelope")
	ErrUnsupportedEvent   = errors.New("unsupported event type")
	ErrInvalidUpdate      = errors.New("invalid update payload")
	ErrSchemaVersionNewer = errors.New("envelope schema version is newer than this consumer understands")
)

// TaskSnapshot is the task state captured at emission time. Consumers treat
// it as read-only; the row in the store may have moved on since.
type TaskSnapshot struct {
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     string     `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	RecurrenceID string     `json:"recurrence_id,omitempty"`
	Completed    bool       `json:"completed"`
}

// Envelope is the immutable wire record for one task-lifecycle fact. It is
// published once and never mutated; every consumer dedups on EventID.
type Envelope struct {
	EventID       string        `json:"event_id"`
	EventType     string        `json:"event_type"`
	TaskID        string        `json:"task_id"`
	UserID        string        `json:"user_id"`
	TaskSnapshot  TaskSnapshot  `json:"task_snapshot"`
	Previous      *TaskSnapshot `json:"previous,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
	SchemaVersion string        `json:"schema_version"`
	Source        string        `json:"source,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// UpdatePayload is the compact record pushed to live connections. It carries
// just enough for a client to reconcile by task_id.
type UpdatePayload struct {
	UpdateType    string       `json:"update_type"`
	EventID       string       `json:"event_id"`
	TaskID        string       `json:"task_id"`
	UserID        string       `json:"user_id"`
	Task          TaskSnapshot `json:"task"`
	Source        string       `json:"source,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	SchemaVersion string       `json:"schema_version"`
}

// IsLifecycleEvent reports whether t is one of the four published event types.
func IsLifecycleEvent(t string) bool {
	switch t {
	case EventTaskCreated, EventTaskUpdated, EventTaskCompleted, EventTaskDeleted:
		return true
	default:
		return false
	}
}

// ShortType maps "task.completed" to "completed" for use as a subject token.
func ShortType(eventType string) string {
	if idx := strings.IndexByte(eventType, '.'); idx >= 0 {
		return eventType[idx+1:]
	}
	return eventType
}

// Validate checks the fields every consumer relies on. Consumers route
// envelopes failing validation to the dead-letter path rather than retrying.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrInvalidEnvelope
	}
	if strings.TrimSpace(e.TaskID) == "" || strings.TrimSpace(e.UserID) == "" {
		return ErrInvalidEnvelope
	}
	if !IsLifecycleEvent(e.EventType) {
		return ErrUnsupportedEvent
	}
	if e.OccurredAt.IsZero() {
		return ErrInvalidEnvelope
	}
	if !compatibleSchema(e.SchemaVersion) {
		return ErrSchemaVersionNewer
	}
	return nil
}

// Validate checks the fields the broadcaster needs to route the payload.
func (u UpdatePayload) Validate() error {
	if strings.TrimSpace(u.EventID) == "" || strings.TrimSpace(u.UserID) == "" {
		return ErrInvalidUpdate
	}
	if strings.TrimSpace(u.TaskID) == "" {
		return ErrInvalidUpdate
	}
	if !IsLifecycleEvent(u.UpdateType) {
		return ErrInvalidUpdate
	}
	return nil
}

// compatibleSchema accepts any 1.x version. Minor revisions only add fields.
func compatibleSchema(v string) bool {
	if v == "" {
		return false
	}
	return strings.HasPrefix(v, "1.")
}
