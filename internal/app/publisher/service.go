// Package publisher turns committed task mutations into envelopes on the
// broker. The store commit has already happened when PublishEvent runs, so
// a broker outage must not undo the operation: after bounded retries the
// envelope is parked in publish_failures and the caller reports degraded
// success instead of an error.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nuid"

	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/metrics"
	"github.com/taskloop/taskloop/internal/sharding"
)

// ErrEventNotDelivered marks an envelope that exhausted its publish retries.
// The mutation it describes is committed; only the broadcast is missing.
var ErrEventNotDelivered = errors.New("event recorded but not delivered to the broker")

type PublishFunc func(subject string, payload []byte) error

type FailureRecorder interface {
	Record(ctx context.Context, f Failure) error
}

type Service struct {
	Publish  PublishFunc
	Failures FailureRecorder
	Logger   *slog.Logger

	Shards      int
	MaxAttempts int
	RetryDelay  time.Duration

	Now   func() time.Time
	NewID func() string
}

func NewService(publish PublishFunc, failures FailureRecorder, logger *slog.Logger) *Service {
	return &Service{
		Publish:     publish,
		Failures:    failures,
		Logger:      logger,
		Shards:      sharding.DefaultShardCount,
		MaxAttempts: 4,
		RetryDelay:  200 * time.Millisecond,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
	}
}

// NewEnvelope assembles the immutable wire record for one lifecycle fact.
func (s *Service) NewEnvelope(eventType string, task tasks.Task, previous *tasks.Task, source, correlationID string) contracts.Envelope {
	env := contracts.Envelope{
		EventID:       s.NewID(),
		EventType:     eventType,
		TaskID:        task.ID,
		UserID:        task.UserID,
		TaskSnapshot:  tasks.Snapshot(task),
		OccurredAt:    s.Now(),
		SchemaVersion: contracts.SchemaVersion,
		Source:        source,
		CorrelationID: correlationID,
	}
	if previous != nil {
		prev := tasks.Snapshot(*previous)
		env.Previous = &prev
	}
	return env
}

// PublishEvent pushes the envelope onto its partitioned subject, retrying
// with a doubling delay. On exhaustion it records a reconciliation row and
// returns ErrEventNotDelivered.
func (s *Service) PublishEvent(ctx context.Context, env contracts.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	subject := messaging.EventSubject(env.EventType, env.TaskID, s.Shards)

	delay := s.RetryDelay
	var lastErr error
retry:
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		lastErr = s.Publish(subject, payload)
		if lastErr == nil {
			metrics.EventsPublished.WithLabelValues(contracts.ShortType(env.EventType)).Inc()
			return nil
		}
		if attempt == s.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(delay):
			delay *= 2
		}
	}

	metrics.PublishFailures.Inc()
	s.Logger.Error("event publish exhausted retries",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"subject", subject,
		"error", lastErr,
	)

	// The request context may already be dead; the reconciliation row has to
	// land regardless.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	failure := Failure{
		EventID:   env.EventID,
		EventType: env.EventType,
		TaskID:    env.TaskID,
		UserID:    env.UserID,
		Subject:   subject,
		Payload:   payload,
		LastError: fmt.Sprintf("%v", lastErr),
	}
	if recordErr := s.Failures.Record(recordCtx, failure); recordErr != nil {
		s.Logger.Error("recording publish failure failed",
			"event_id", env.EventID,
			"error", recordErr,
		)
	}
	return fmt.Errorf("%w: %v", ErrEventNotDelivered, lastErr)
}

// PublishUpdate pushes the compact live-update payload for the envelope.
// Delivery is best effort; callers log failures and move on.
func (s *Service) PublishUpdate(env contracts.Envelope) error {
	update := contracts.UpdatePayload{
		UpdateType:    env.EventType,
		EventID:       env.EventID,
		TaskID:        env.TaskID,
		UserID:        env.UserID,
		Task:          env.TaskSnapshot,
		Source:        env.Source,
		Timestamp:     env.OccurredAt,
		SchemaVersion: contracts.SchemaVersion,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return s.Publish(messaging.UpdateSubject(env.UserID), payload)
}
