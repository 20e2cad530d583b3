// Package taskapi is the write side of the task lifecycle. Every mutation
// follows the same shape: validate, commit to the store, then publish the
// envelope describing what happened. Publishing runs after the commit, so
// a broker outage degrades the response instead of failing the mutation.
package taskapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskloop/taskloop/internal/app/audit"
	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/app/recurrence"
	"github.com/taskloop/taskloop/internal/app/reminder"
	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/guard"
)

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrDueDatePast     = errors.New("due date is in the past")
	ErrDueDateRequired = errors.New("due date is required")
	ErrInvalidReminder = errors.New("reminder needs a fire time or a positive offset")
	ErrTaskCompleted   = errors.New("task is already completed")
)

type TaskStore interface {
	Create(ctx context.Context, t tasks.Task) error
	Get(ctx context.Context, taskID string) (tasks.Task, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]tasks.Task, error)
	Update(ctx context.Context, t tasks.Task) error
	LinkRecurrence(ctx context.Context, taskID, ruleID string, at time.Time) error
	Complete(ctx context.Context, taskID string, at time.Time) (tasks.Task, bool, error)
	Delete(ctx context.Context, taskID string) (tasks.Task, error)
}

type RuleStore interface {
	Create(ctx context.Context, rule recurrence.Rule) error
}

type AuditReader interface {
	ListByTask(ctx context.Context, taskID string, limit int) ([]audit.Entry, error)
}

type Service struct {
	Tasks     TaskStore
	Rules     RuleStore
	Scheduler *reminder.Scheduler
	Audit     AuditReader
	Guard     guard.Guard
	Events    *publisher.Service
	Logger    *slog.Logger

	// DedupTTL is how long a creation key shadows retries of the same call.
	DedupTTL time.Duration

	Now   func() time.Time
	NewID func() string
}

func NewService(
	taskStore TaskStore,
	rules RuleStore,
	scheduler *reminder.Scheduler,
	auditLog AuditReader,
	g guard.Guard,
	events *publisher.Service,
	logger *slog.Logger,
	dedupTTL time.Duration,
) *Service {
	return &Service{
		Tasks:     taskStore,
		Rules:     rules,
		Scheduler: scheduler,
		Audit:     auditLog,
		Guard:     g,
		Events:    events,
		Logger:    logger,
		DedupTTL:  dedupTTL,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

type RecurrenceSpec struct {
	Pattern  string `json:"pattern"`
	Interval int    `json:"interval"`
}

type ReminderSpec struct {
	// OffsetMinutes counts backwards from the due date. Ignored when FireAt
	// is set.
	OffsetMinutes int        `json:"offset_minutes,omitempty"`
	FireAt        *time.Time `json:"fire_at,omitempty"`
}

type CreateTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	AllowPast   bool            `json:"allow_past,omitempty"`
	Recurrence  *RecurrenceSpec `json:"recurrence,omitempty"`
	Reminder    *ReminderSpec   `json:"reminder,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	ClearDue    bool       `json:"clear_due_date,omitempty"`
	AllowPast   bool       `json:"allow_past,omitempty"`
}

type ScheduleReminderRequest struct {
	ReminderSpec
	AllowPast bool `json:"allow_past,omitempty"`
}

// CreateResult reports what Create committed. Duplicate means the guard
// collapsed the call and nothing was written or published.
type CreateResult struct {
	Task      tasks.Task
	Rule      *recurrence.Rule
	Reminder  *reminder.Reminder
	Duplicate bool
}

func (s *Service) Create(ctx context.Context, userID string, req CreateTaskRequest) (CreateResult, error) {
	title := strings.Join(strings.Fields(req.Title), " ")
	if title == "" {
		return CreateResult{}, ErrTitleRequired
	}
	priority := req.Priority
	if priority == "" {
		priority = tasks.PriorityNormal
	}
	if !tasks.ValidPriority(priority) {
		return CreateResult{}, fmt.Errorf("%w: %q", ErrInvalidPriority, req.Priority)
	}
	now := s.Now()
	if req.DueDate != nil && !req.AllowPast && req.DueDate.Before(now) {
		return CreateResult{}, ErrDueDatePast
	}
	if req.Recurrence != nil {
		if req.DueDate == nil {
			return CreateResult{}, fmt.Errorf("%w: a recurring task needs one", ErrDueDateRequired)
		}
		if err := recurrence.ValidateRule(req.Recurrence.Pattern, req.Recurrence.Interval); err != nil {
			return CreateResult{}, err
		}
	}
	var fireAt time.Time
	if req.Reminder != nil {
		fire, err := fireTimeFor(*req.Reminder, req.DueDate)
		if err != nil {
			return CreateResult{}, err
		}
		if !req.AllowPast && fire.Before(now) {
			return CreateResult{}, reminder.ErrFireAtPast
		}
		fireAt = fire
	}

	outcome, err := s.Guard.CheckAndRecord(ctx, guard.CreationKey(userID, title), s.DedupTTL)
	if err != nil {
		return CreateResult{}, err
	}
	if outcome == guard.Duplicate {
		s.Logger.Info("duplicate create collapsed", "user_id", userID, "title", title)
		return CreateResult{Duplicate: true}, nil
	}

	task := tasks.Task{
		ID:          s.NewID(),
		UserID:      userID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Priority:    priority,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Tasks.Create(ctx, task); err != nil {
		return CreateResult{}, err
	}

	result := CreateResult{Task: task}
	if req.Recurrence != nil {
		rule := recurrence.Rule{
			ID:        s.NewID(),
			TaskID:    task.ID,
			UserID:    userID,
			Pattern:   req.Recurrence.Pattern,
			Interval:  req.Recurrence.Interval,
			NextDueAt: req.DueDate,
			CreatedAt: now,
		}
		if err := s.Rules.Create(ctx, rule); err != nil {
			return CreateResult{}, err
		}
		// The rule row references the task, so the back link is set second.
		if err := s.Tasks.LinkRecurrence(ctx, task.ID, rule.ID, now); err != nil {
			return CreateResult{}, err
		}
		task.RecurrenceID = &rule.ID
		result.Task = task
		result.Rule = &rule
	}
	if req.Reminder != nil {
		rem, err := s.Scheduler.Schedule(ctx, reminder.ScheduleInput{
			TaskID:    task.ID,
			UserID:    userID,
			FireAt:    fireAt,
			AllowPast: req.AllowPast,
		})
		if err != nil {
			return CreateResult{}, err
		}
		result.Reminder = &rem
	}

	return result, s.publish(ctx, contracts.EventTaskCreated, task, nil)
}

func (s *Service) Get(ctx context.Context, userID, taskID string) (tasks.Task, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if task.UserID != userID {
		// Another user's task is indistinguishable from a missing one.
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	return task, nil
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]tasks.Task, error) {
	return s.Tasks.ListByUser(ctx, userID, limit)
}

func (s *Service) Update(ctx context.Context, userID, taskID string, req UpdateTaskRequest) (tasks.Task, error) {
	current, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return tasks.Task{}, err
	}

	prev := current
	updated := current
	if req.Title != nil {
		title := strings.Join(strings.Fields(*req.Title), " ")
		if title == "" {
			return tasks.Task{}, ErrTitleRequired
		}
		updated.Title = title
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if req.Priority != nil {
		if !tasks.ValidPriority(*req.Priority) {
			return tasks.Task{}, fmt.Errorf("%w: %q", ErrInvalidPriority, *req.Priority)
		}
		updated.Priority = *req.Priority
	}
	if req.Tags != nil {
		updated.Tags = req.Tags
	}
	now := s.Now()
	switch {
	case req.ClearDue:
		updated.DueDate = nil
	case req.DueDate != nil:
		if !req.AllowPast && req.DueDate.Before(now) {
			return tasks.Task{}, ErrDueDatePast
		}
		updated.DueDate = req.DueDate
	}
	updated.UpdatedAt = now

	if err := s.Tasks.Update(ctx, updated); err != nil {
		return tasks.Task{}, err
	}
	return updated, s.publish(ctx, contracts.EventTaskUpdated, updated, &prev)
}

// Complete marks the task done. Completing an already completed task is a
// no-op that publishes nothing; the reported task reflects the first
// completion.
func (s *Service) Complete(ctx context.Context, userID, taskID string) (tasks.Task, bool, error) {
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return tasks.Task{}, false, err
	}
	task, changed, err := s.Tasks.Complete(ctx, taskID, s.Now())
	if err != nil {
		return tasks.Task{}, false, err
	}
	if !changed {
		return task, false, nil
	}
	return task, true, s.publish(ctx, contracts.EventTaskCompleted, task, nil)
}

func (s *Service) Delete(ctx context.Context, userID, taskID string) (tasks.Task, error) {
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return tasks.Task{}, err
	}
	task, err := s.Tasks.Delete(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	return task, s.publish(ctx, contracts.EventTaskDeleted, task, nil)
}

func (s *Service) ScheduleReminder(ctx context.Context, userID, taskID string, req ScheduleReminderRequest) (reminder.Reminder, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if task.Completed {
		return reminder.Reminder{}, ErrTaskCompleted
	}
	fire, err := fireTimeFor(req.ReminderSpec, task.DueDate)
	if err != nil {
		return reminder.Reminder{}, err
	}
	return s.Scheduler.Schedule(ctx, reminder.ScheduleInput{
		TaskID:    task.ID,
		UserID:    userID,
		FireAt:    fire,
		AllowPast: req.AllowPast,
	})
}

func (s *Service) ListReminders(ctx context.Context, userID, taskID string) ([]reminder.Reminder, error) {
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return s.Scheduler.Reminders.ListByTask(ctx, taskID)
}

func (s *Service) AuditTrail(ctx context.Context, userID, taskID string, limit int) ([]audit.Entry, error) {
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return s.Audit.ListByTask(ctx, taskID, limit)
}

func fireTimeFor(spec ReminderSpec, due *time.Time) (time.Time, error) {
	switch {
	case spec.FireAt != nil:
		return *spec.FireAt, nil
	case spec.OffsetMinutes > 0:
		if due == nil {
			return time.Time{}, fmt.Errorf("%w: a reminder offset needs one", ErrDueDateRequired)
		}
		return due.Add(-time.Duration(spec.OffsetMinutes) * time.Minute), nil
	default:
		return time.Time{}, ErrInvalidReminder
	}
}

// publish runs after the store commit. An exhausted event publish comes back
// as ErrEventNotDelivered alongside the committed result so the transport
// can flag the degraded response. The live update is fire and forget.
func (s *Service) publish(ctx context.Context, eventType string, task tasks.Task, previous *tasks.Task) error {
	env := s.Events.NewEnvelope(eventType, task, previous, contracts.SourceUserAction, "")
	err := s.Events.PublishEvent(ctx, env)
	if err == nil {
		if updErr := s.Events.PublishUpdate(env); updErr != nil {
			s.Logger.Warn("live update publish failed",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"error", updErr,
			)
		}
	}
	return err
}
