package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
)

type RuleStore interface {
	Get(ctx context.Context, ruleID string) (Rule, error)
	AdvanceNextDue(ctx context.Context, ruleID string, next time.Time) error
}

type InstanceStore interface {
	HasOpenInstance(ctx context.Context, recurrenceID, userID string, dueDate time.Time) (bool, error)
	CreateInstance(ctx context.Context, t tasks.Task) (bool, error)
}

// Generator handles task.completed envelopes for recurring tasks. Handle is
// safe under redelivery: the open-instance check and the partial unique
// index both collapse a second delivery into a duplicate outcome.
type Generator struct {
	Rules  RuleStore
	Tasks  InstanceStore
	Events *publisher.Service
	Logger *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewGenerator(rules RuleStore, instances InstanceStore, events *publisher.Service, logger *slog.Logger) *Generator {
	return &Generator{
		Rules:  rules,
		Tasks:  instances,
		Events: events,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}
}

func (g *Generator) Handle(ctx context.Context, data []byte) (messaging.Outcome, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if env.EventType != contracts.EventTaskCompleted {
		return messaging.OutcomeSkipped, nil
	}

	snap := env.TaskSnapshot
	if snap.RecurrenceID == "" {
		return messaging.OutcomeSkipped, nil
	}
	if snap.DueDate == nil {
		return "", fmt.Errorf("%w: recurring completion %s has no due date", messaging.ErrUnprocessable, env.EventID)
	}

	rule, err := g.Rules.Get(ctx, snap.RecurrenceID)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			// The rule was removed after the event was emitted.
			return messaging.OutcomeObsolete, nil
		}
		return "", err
	}

	next, err := NextDue(rule.Pattern, rule.Interval, *snap.DueDate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", messaging.ErrUnprocessable, err)
	}

	exists, err := g.Tasks.HasOpenInstance(ctx, rule.ID, env.UserID, next)
	if err != nil {
		return "", err
	}
	if exists {
		return messaging.OutcomeDuplicate, nil
	}

	now := g.Now()
	instance := tasks.Task{
		ID:           g.NewID(),
		UserID:       env.UserID,
		Title:        snap.Title,
		Description:  snap.Description,
		Priority:     snap.Priority,
		Tags:         snap.Tags,
		DueDate:      &next,
		RecurrenceID: &rule.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	inserted, err := g.Tasks.CreateInstance(ctx, instance)
	if err != nil {
		return "", err
	}
	if !inserted {
		return messaging.OutcomeDuplicate, nil
	}

	g.Logger.Info("generated recurrence instance",
		"rule_id", rule.ID,
		"task_id", instance.ID,
		"due_date", next,
		"trigger_event", env.EventID,
	)

	if err := g.Rules.AdvanceNextDue(ctx, rule.ID, next); err != nil {
		// Bookkeeping only; the instance row is already committed.
		g.Logger.Warn("advancing rule next_due_at failed", "rule_id", rule.ID, "error", err)
	}

	created := g.Events.NewEnvelope(contracts.EventTaskCreated, instance, nil, contracts.SourceRecurrence, env.EventID)
	if err := g.Events.PublishEvent(ctx, created); err != nil {
		g.Logger.Warn("instance created but event delivery degraded",
			"task_id", instance.ID,
			"error", err,
		)
	}
	if err := g.Events.PublishUpdate(created); err != nil {
		g.Logger.Warn("live update publish failed", "task_id", instance.ID, "error", err)
	}
	return messaging.OutcomeProcessed, nil
}
