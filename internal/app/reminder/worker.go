package reminder

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/platform/config"
	"github.com/taskloop/taskloop/internal/platform/metrics"
)

type SweepStore interface {
	ClaimDue(ctx context.Context, now, leaseUntil time.Time) (Reminder, error)
	MarkSent(ctx context.Context, reminderID string, at time.Time) error
	MarkCancelled(ctx context.Context, reminderID string, at time.Time) error
	MarkFailed(ctx context.Context, reminderID, lastError string, at time.Time) error
	Reschedule(ctx context.Context, reminderID string, nextAt time.Time, lastError string, at time.Time) error
}

type TaskSource interface {
	Get(ctx context.Context, taskID string) (tasks.Task, error)
}

// Worker sweeps due reminders and delivers them. The task row is checked at
// fire time and wins over anything the reminder believed: a completed or
// deleted task turns the reminder into a cancellation, never a notification.
type Worker struct {
	Reminders SweepStore
	Tasks     TaskSource
	Notifier  Notifier
	Logger    *slog.Logger

	Workers      int
	PollInterval time.Duration
	PollJitter   time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int
	Lease        time.Duration

	Now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWorker(store SweepStore, taskSource TaskSource, notifier Notifier, logger *slog.Logger, cfg config.ReminderConfig) *Worker {
	return &Worker{
		Reminders:    store,
		Tasks:        taskSource,
		Notifier:     notifier,
		Logger:       logger,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		PollJitter:   cfg.PollJitter,
		RetryBackoff: cfg.RetryBackoff,
		MaxAttempts:  cfg.MaxAttempts,
		Lease:        time.Minute,
		Now:          func() time.Time { return time.Now().UTC() },
		stopCh:       make(chan struct{}),
	}
}

// Start launches the sweep goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop signals the sweeps to stop and waits for them to finish. Safe to
// call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.Logger.With("sweep", id)
	log.Info("reminder sweep started")

	for {
		select {
		case <-w.stopCh:
			log.Info("reminder sweep stopping")
			return
		case <-ctx.Done():
			log.Info("context cancelled, reminder sweep stopping")
			return
		default:
			if err := w.sweepOne(ctx); err != nil {
				if errors.Is(err, ErrNoRemindersDue) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("reminder sweep failed", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter so replicas spread out.
func (w *Worker) pollInterval() time.Duration {
	base, jitter := w.PollInterval, w.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) sweepOne(ctx context.Context) error {
	now := w.Now()
	rem, err := w.Reminders.ClaimDue(ctx, now, now.Add(w.Lease))
	if err != nil {
		return err
	}
	return w.fire(ctx, rem)
}

func (w *Worker) fire(ctx context.Context, rem Reminder) error {
	now := w.Now()
	log := w.Logger.With("reminder_id", rem.ID, "task_id", rem.TaskID, "attempt", rem.AttemptCount)

	task, err := w.Tasks.Get(ctx, rem.TaskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			metrics.RemindersFired.WithLabelValues("cancelled").Inc()
			log.Info("reminder cancelled, task is gone")
			return w.Reminders.MarkCancelled(ctx, rem.ID, now)
		}
		// Transient; the lease returns the claim to the sweep.
		return err
	}
	if task.Completed {
		metrics.RemindersFired.WithLabelValues("cancelled").Inc()
		log.Info("reminder cancelled, task already completed")
		return w.Reminders.MarkCancelled(ctx, rem.ID, now)
	}

	notifyErr := w.Notifier.Notify(ctx, Notification{
		ReminderID: rem.ID,
		TaskID:     task.ID,
		UserID:     rem.UserID,
		Title:      task.Title,
		DueDate:    task.DueDate,
		FireAt:     rem.FireAt,
	})
	if notifyErr == nil {
		metrics.RemindersFired.WithLabelValues("sent").Inc()
		log.Info("reminder sent")
		return w.Reminders.MarkSent(ctx, rem.ID, now)
	}

	if rem.AttemptCount >= w.MaxAttempts {
		metrics.RemindersFired.WithLabelValues("failed").Inc()
		log.Error("reminder failed, attempts exhausted", "error", notifyErr)
		return w.Reminders.MarkFailed(ctx, rem.ID, notifyErr.Error(), now)
	}

	backoff := w.RetryBackoff << (rem.AttemptCount - 1)
	metrics.RemindersFired.WithLabelValues("retried").Inc()
	log.Warn("reminder delivery failed, retrying", "retry_in", backoff, "error", notifyErr)
	return w.Reminders.Reschedule(ctx, rem.ID, now.Add(backoff), notifyErr.Error(), now)
}
