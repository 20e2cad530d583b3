package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
)

type CancelStore interface {
	CancelPendingByTask(ctx context.Context, taskID string, at time.Time) (int64, error)
}

// Canceller consumes lifecycle events and eagerly cancels pending reminders
// when their task completes or disappears. This is an optimization; the
// sweep's fire-time check gives the same answer if an event is missed or
// arrives late.
type Canceller struct {
	Reminders CancelStore
	Logger    *slog.Logger

	Now func() time.Time
}

func NewCanceller(store CancelStore, logger *slog.Logger) *Canceller {
	return &Canceller{
		Reminders: store,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Canceller) Handle(ctx context.Context, data []byte) (messaging.Outcome, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	switch env.EventType {
	case contracts.EventTaskCompleted, contracts.EventTaskDeleted:
	default:
		return messaging.OutcomeSkipped, nil
	}

	cancelled, err := c.Reminders.CancelPendingByTask(ctx, env.TaskID, c.Now())
	if err != nil {
		return "", err
	}
	if cancelled > 0 {
		c.Logger.Info("cancelled pending reminders",
			"task_id", env.TaskID,
			"event_type", env.EventType,
			"count", cancelled,
		)
	}
	return messaging.OutcomeProcessed, nil
}
