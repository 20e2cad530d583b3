package messaging

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/sharding"
)

const (
	eventsStream     = "TASK_EVENTS"
	updatesStream    = "TASK_UPDATES"
	deadLetterStream = "DEAD_LETTERS"
)

// Subject roots. The task-events topic is partitioned by shard; consumers
// subscribe with wildcards and must not assume cross-shard ordering.
const (
	EventsSubjectRoot     = "task-events"
	UpdatesSubjectRoot    = "task-updates"
	DeadLetterSubjectRoot = "deadletter"

	// OrigSubjectHeader preserves the subject a dead-lettered message was
	// originally published on, so dlq-replay can put it back.
	OrigSubjectHeader = "Taskloop-Orig-Subject"
)

// EventSubject returns the partitioned subject for a lifecycle event,
// e.g. task-events.3.completed.
func EventSubject(eventType, taskID string, shards int) string {
	shard := sharding.Assign(taskID, shards)
	return fmt.Sprintf("%s.%d.%s", EventsSubjectRoot, shard, contracts.ShortType(eventType))
}

// EventsWildcard matches every lifecycle event on every shard.
func EventsWildcard() string {
	return EventsSubjectRoot + ".>"
}

// EventsTypeWildcard matches one event type across all shards,
// e.g. task-events.*.completed.
func EventsTypeWildcard(eventType string) string {
	return fmt.Sprintf("%s.*.%s", EventsSubjectRoot, contracts.ShortType(eventType))
}

// UpdateSubject returns the per-user subject live updates are published on.
func UpdateSubject(userID string) string {
	return UpdatesSubjectRoot + "." + userID
}

// UpdatesWildcard matches updates for every user.
func UpdatesWildcard() string {
	return UpdatesSubjectRoot + ".>"
}

// DeadLetterSubject returns the subject a consumer parks poison messages on.
func DeadLetterSubject(consumer string) string {
	return DeadLetterSubjectRoot + "." + consumer
}

// EnsureStreams creates (or validates) the three streams the engine needs:
// - task-events.>  lifecycle envelopes, consumed by every durable worker
// - task-updates.> compact per-user updates for the broadcaster
// - deadletter.>   messages a consumer gave up on, kept for inspection
func EnsureStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:      eventsStream,
			Subjects:  []string{EventsSubjectRoot + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      updatesStream,
			Subjects:  []string{UpdatesSubjectRoot + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      deadLetterStream,
			Subjects:  []string{DeadLetterSubjectRoot + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.StreamInfo(cfg.Name); err != nil {
			if errors.Is(err, nats.ErrStreamNotFound) {
				if _, addErr := js.AddStream(cfg); addErr != nil {
					return addErr
				}
				continue
			}
			return err
		}
	}
	return nil
}

// MsgPublisher is the slice of the JetStream API dead-lettering needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// DeadLetter copies a message a consumer cannot process onto the dead-letter
// stream, tagging it with the subject it originally arrived on. The caller
// still acks or terms the original delivery afterwards.
func DeadLetter(pub MsgPublisher, consumer string, orig *nats.Msg) error {
	dl := &nats.Msg{
		Subject: DeadLetterSubject(consumer),
		Header:  nats.Header{OrigSubjectHeader: []string{orig.Subject}},
		Data:    orig.Data,
	}
	return pub.PublishMsg(dl)
}
