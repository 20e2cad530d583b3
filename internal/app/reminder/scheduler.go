package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	Create(ctx context.Context, rem Reminder) error
	ListByTask(ctx context.Context, taskID string) ([]Reminder, error)
	CancelPendingByTask(ctx context.Context, taskID string, at time.Time) (int64, error)
}

// Scheduler validates and records reminders. Delivery is the sweep worker's
// job; Schedule only writes the pending row.
type Scheduler struct {
	Reminders Store

	Now   func() time.Time
	NewID func() string
}

func NewScheduler(store Store) *Scheduler {
	return &Scheduler{
		Reminders: store,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

type ScheduleInput struct {
	TaskID string
	UserID string
	FireAt time.Time
	// AllowPast admits a fire time that already passed; the sweep then
	// delivers it on its next pass.
	AllowPast bool
}

func (s *Scheduler) Schedule(ctx context.Context, in ScheduleInput) (Reminder, error) {
	now := s.Now()
	if !in.AllowPast && in.FireAt.Before(now) {
		return Reminder{}, ErrFireAtPast
	}

	rem := Reminder{
		ID:            s.NewID(),
		TaskID:        in.TaskID,
		UserID:        in.UserID,
		FireAt:        in.FireAt,
		Status:        StatusPending,
		NextAttemptAt: in.FireAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Reminders.Create(ctx, rem); err != nil {
		return Reminder{}, err
	}
	return rem, nil
}
