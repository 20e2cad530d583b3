// Package tasks holds the task model and its Postgres repository. Tasks are
// the single source of truth the consumers check against; events describe
// what happened to them, never the other way around.
package tasks

import (
	"errors"
	"time"

	"github.com/taskloop/taskloop/internal/contracts"
)

var ErrTaskNotFound = errors.New("task not found")

const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Task struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     string     `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	RecurrenceID *string    `json:"recurrence_id,omitempty"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Snapshot captures the task state for an event envelope.
func Snapshot(t Task) contracts.TaskSnapshot {
	s := contracts.TaskSnapshot{
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Tags:        t.Tags,
		DueDate:     t.DueDate,
		Completed:   t.Completed,
	}
	if t.RecurrenceID != nil {
		s.RecurrenceID = *t.RecurrenceID
	}
	return s
}
