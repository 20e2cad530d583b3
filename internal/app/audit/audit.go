// Package audit appends one immutable row per lifecycle event. The broker
// delivers at least once; the unique event_id constraint makes N deliveries
// collapse into exactly one row without any coordination between replicas.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
)

type RecordStore interface {
	Insert(ctx context.Context, entry Entry) (bool, error)
}

type Service struct {
	Audit  RecordStore
	Logger *slog.Logger
}

func NewService(store RecordStore, logger *slog.Logger) *Service {
	return &Service{Audit: store, Logger: logger}
}

func (s *Service) Handle(ctx context.Context, data []byte) (messaging.Outcome, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	inserted, err := s.Audit.Insert(ctx, EntryFromEnvelope(env))
	if err != nil {
		return "", err
	}
	if !inserted {
		return messaging.OutcomeDuplicate, nil
	}

	s.Logger.Debug("audit entry recorded",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"task_id", env.TaskID,
	)
	return messaging.OutcomeProcessed, nil
}

// EntryFromEnvelope projects the envelope into an audit row. The details
// column keeps shape over content: enough to answer "what kind of task was
// this" without storing the task itself.
func EntryFromEnvelope(env contracts.Envelope) Entry {
	snap := env.TaskSnapshot
	return Entry{
		EventID:    env.EventID,
		EventType:  env.EventType,
		TaskID:     env.TaskID,
		UserID:     env.UserID,
		OccurredAt: env.OccurredAt,
		Source:     env.Source,
		Details: Details{
			Priority:   snap.Priority,
			HasDueDate: snap.DueDate != nil,
			Recurring:  snap.RecurrenceID != "",
			TagCount:   len(snap.Tags),
		},
	}
}
