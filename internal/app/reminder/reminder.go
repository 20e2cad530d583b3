// Package reminder schedules and delivers task reminders. Reminders are
// rows, not timers: a sweep claims due rows with SKIP LOCKED so any number
// of worker replicas can run, and a crashed worker's claim simply expires
// back into the sweep.
package reminder

import (
	"errors"
	"time"
)

var (
	ErrReminderNotFound = errors.New("reminder not found")
	ErrFireAtPast       = errors.New("reminder fire time is in the past")
	ErrNoRemindersDue   = errors.New("no reminders due")
)

const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Reminder struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	UserID        string    `json:"user_id"`
	FireAt        time.Time `json:"fire_at"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"-"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
