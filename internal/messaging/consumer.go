package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/platform/metrics"
)

// ErrUnprocessable marks a message that can never succeed no matter how
// often it is redelivered. Handlers wrap it to send a message straight to
// the dead-letter stream.
var ErrUnprocessable = errors.New("message cannot be processed")

// Outcome labels a successfully handled message for metrics. Duplicate,
// Obsolete and Skipped are successes: the work was already done, no longer
// applies, or was never this consumer's to do.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeObsolete  Outcome = "obsolete"
	OutcomeSkipped   Outcome = "skipped"
)

type HandleFunc func(ctx context.Context, data []byte) (Outcome, error)

// Consumer wraps a handler with the delivery triage every durable worker
// shares: handled messages ack, poison messages move to the dead-letter
// stream, everything else redelivers until MaxDeliver is reached.
type Consumer struct {
	Name       string
	Publisher  MsgPublisher
	Handle     HandleFunc
	MaxDeliver int
	Logger     *slog.Logger
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionTerm
	dispositionNak
	dispositionDeadLetter
)

// classify decides what to do with a failed delivery. Permanent errors are
// terminated at once; transient ones redeliver until the delivery count
// crosses maxDeliver, then the message is parked.
func classify(err error, delivered uint64, maxDeliver int) disposition {
	if permanent(err) {
		return dispositionTerm
	}
	if maxDeliver > 0 && delivered >= uint64(maxDeliver) {
		return dispositionDeadLetter
	}
	return dispositionNak
}

func permanent(err error) bool {
	return errors.Is(err, ErrUnprocessable) ||
		errors.Is(err, contracts.ErrInvalidEnvelope) ||
		errors.Is(err, contracts.ErrUnsupportedEvent) ||
		errors.Is(err, contracts.ErrSchemaVersionNewer) ||
		errors.Is(err, contracts.ErrInvalidUpdate)
}

// Process runs one delivery through the handler and settles it.
func (c *Consumer) Process(ctx context.Context, msg *nats.Msg) {
	outcome, err := c.Handle(ctx, msg.Data)
	if err == nil {
		metrics.ConsumerEvents.WithLabelValues(c.Name, string(outcome)).Inc()
		if ackErr := msg.Ack(); ackErr != nil {
			c.Logger.Warn("ack failed", "consumer", c.Name, "error", ackErr)
		}
		return
	}

	var delivered uint64
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		delivered = meta.NumDelivered
	}

	switch classify(err, delivered, c.MaxDeliver) {
	case dispositionTerm:
		metrics.ConsumerEvents.WithLabelValues(c.Name, "invalid").Inc()
		if !c.deadLetter(msg, err) {
			_ = msg.Nak()
			return
		}
		_ = msg.Term()
	case dispositionDeadLetter:
		metrics.ConsumerEvents.WithLabelValues(c.Name, "dead_lettered").Inc()
		if !c.deadLetter(msg, err) {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	default:
		metrics.ConsumerEvents.WithLabelValues(c.Name, "retried").Inc()
		c.Logger.Warn("handling failed, message will redeliver",
			"consumer", c.Name,
			"subject", msg.Subject,
			"delivered", delivered,
			"error", err,
		)
		_ = msg.Nak()
	}
}

// deadLetter parks the message and reports whether the caller may settle the
// original. A failed park means the message must stay on the stream.
func (c *Consumer) deadLetter(msg *nats.Msg, cause error) bool {
	if err := DeadLetter(c.Publisher, c.Name, msg); err != nil {
		c.Logger.Error("dead-letter publish failed, leaving message on stream",
			"consumer", c.Name,
			"subject", msg.Subject,
			"error", err,
		)
		return false
	}
	metrics.DeadLetters.WithLabelValues(c.Name).Inc()
	c.Logger.Error("message dead-lettered",
		"consumer", c.Name,
		"subject", msg.Subject,
		"error", cause,
	)
	return true
}
