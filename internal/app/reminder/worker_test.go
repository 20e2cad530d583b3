package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/app/tasks"
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

type sweepStub struct {
	queue []Reminder

	sent        []string
	cancelled   []string
	failed      map[string]string
	rescheduled map[string]time.Time
}

func newSweepStub(queue ...Reminder) *sweepStub {
	return &sweepStub{
		queue:       queue,
		failed:      map[string]string{},
		rescheduled: map[string]time.Time{},
	}
}

func (s *sweepStub) ClaimDue(_ context.Context, _, _ time.Time) (Reminder, error) {
	if len(s.queue) == 0 {
		return Reminder{}, ErrNoRemindersDue
	}
	rem := s.queue[0]
	s.queue = s.queue[1:]
	rem.AttemptCount++
	return rem, nil
}

func (s *sweepStub) MarkSent(_ context.Context, id string, _ time.Time) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *sweepStub) MarkCancelled(_ context.Context, id string, _ time.Time) error {
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *sweepStub) MarkFailed(_ context.Context, id, lastError string, _ time.Time) error {
	s.failed[id] = lastError
	return nil
}

func (s *sweepStub) Reschedule(_ context.Context, id string, nextAt time.Time, _ string, _ time.Time) error {
	s.rescheduled[id] = nextAt
	return nil
}

type taskSourceStub struct {
	tasks map[string]tasks.Task
}

func (s *taskSourceStub) Get(_ context.Context, taskID string) (tasks.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	return t, nil
}

type notifierStub struct {
	err  error
	sent []Notification
}

func (n *notifierStub) Notify(_ context.Context, notification Notification) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func newTestWorker(store SweepStore, src TaskSource, n Notifier) *Worker {
	return &Worker{
		Reminders:    store,
		Tasks:        src,
		Notifier:     n,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers:      1,
		PollInterval: time.Millisecond,
		RetryBackoff: 2 * time.Second,
		MaxAttempts:  3,
		Lease:        time.Minute,
		Now:          func() time.Time { return testNow },
		stopCh:       make(chan struct{}),
	}
}

func pendingReminder(attempts int) Reminder {
	return Reminder{
		ID:           "rem-1",
		TaskID:       "task-1",
		UserID:       "user-1",
		FireAt:       testNow.Add(-time.Second),
		Status:       StatusPending,
		AttemptCount: attempts,
	}
}

func openTask() map[string]tasks.Task {
	due := testNow.Add(time.Hour)
	return map[string]tasks.Task{
		"task-1": {
			ID:      "task-1",
			UserID:  "user-1",
			Title:   "Submit report",
			DueDate: &due,
		},
	}
}

func TestSweepDeliversDueReminder(t *testing.T) {
	store := newSweepStub(pendingReminder(0))
	notifier := &notifierStub{}
	w := newTestWorker(store, &taskSourceStub{tasks: openTask()}, notifier)

	require.NoError(t, w.sweepOne(context.Background()))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "rem-1", notifier.sent[0].ReminderID)
	assert.Equal(t, "Submit report", notifier.sent[0].Title)
	assert.Equal(t, []string{"rem-1"}, store.sent)
	assert.Empty(t, store.cancelled)
}

func TestSweepCancelsWhenTaskGone(t *testing.T) {
	store := newSweepStub(pendingReminder(0))
	notifier := &notifierStub{}
	w := newTestWorker(store, &taskSourceStub{tasks: map[string]tasks.Task{}}, notifier)

	require.NoError(t, w.sweepOne(context.Background()))

	assert.Empty(t, notifier.sent, "no notification for a deleted task")
	assert.Equal(t, []string{"rem-1"}, store.cancelled)
}

func TestSweepCancelsWhenTaskCompleted(t *testing.T) {
	completed := openTask()
	task := completed["task-1"]
	task.Completed = true
	completed["task-1"] = task

	store := newSweepStub(pendingReminder(0))
	notifier := &notifierStub{}
	w := newTestWorker(store, &taskSourceStub{tasks: completed}, notifier)

	require.NoError(t, w.sweepOne(context.Background()))

	assert.Empty(t, notifier.sent, "no notification for a completed task")
	assert.Equal(t, []string{"rem-1"}, store.cancelled)
	assert.Empty(t, store.sent)
}

func TestSweepReschedulesWithDoublingBackoff(t *testing.T) {
	cases := []struct {
		priorAttempts int
		wantDelay     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
	}
	for _, tc := range cases {
		store := newSweepStub(pendingReminder(tc.priorAttempts))
		notifier := &notifierStub{err: errors.New("webhook returned 503")}
		w := newTestWorker(store, &taskSourceStub{tasks: openTask()}, notifier)

		require.NoError(t, w.sweepOne(context.Background()))

		require.Contains(t, store.rescheduled, "rem-1")
		assert.Equal(t, testNow.Add(tc.wantDelay), store.rescheduled["rem-1"])
		assert.Empty(t, store.failed)
		assert.Empty(t, store.sent)
	}
}

func TestSweepFailsAfterMaxAttempts(t *testing.T) {
	store := newSweepStub(pendingReminder(2))
	notifier := &notifierStub{err: errors.New("webhook returned 503")}
	w := newTestWorker(store, &taskSourceStub{tasks: openTask()}, notifier)

	require.NoError(t, w.sweepOne(context.Background()))

	require.Contains(t, store.failed, "rem-1")
	assert.Contains(t, store.failed["rem-1"], "503")
	assert.Empty(t, store.rescheduled)
}

func TestSweepReportsNoRemindersDue(t *testing.T) {
	w := newTestWorker(newSweepStub(), &taskSourceStub{tasks: openTask()}, &notifierStub{})
	err := w.sweepOne(context.Background())
	assert.ErrorIs(t, err, ErrNoRemindersDue)
}

func TestWorkerStartStop(t *testing.T) {
	w := newTestWorker(newSweepStub(), &taskSourceStub{tasks: openTask()}, &notifierStub{})
	w.Workers = 2

	w.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop() // repeated stop must not panic or hang
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
