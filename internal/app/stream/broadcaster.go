package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/config"
	"github.com/taskloop/taskloop/internal/platform/metrics"
)

// Broadcaster routes update payloads to the owning user's connections.
// The raw bytes are forwarded unchanged; what the publisher emitted is
// what the client receives.
type Broadcaster struct {
	Registry     *Registry
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

func NewBroadcaster(reg *Registry, logger *slog.Logger, cfg config.StreamConfig) *Broadcaster {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broadcaster{
		Registry:     reg,
		Logger:       logger,
		WriteTimeout: timeout,
	}
}

// HandleUpdate pushes one update to every connection of the payload's
// user. A connection whose write fails is dropped; the rest still get
// the push. No connections for the user is a success, not an error.
func (b *Broadcaster) HandleUpdate(ctx context.Context, data []byte) (messaging.Outcome, error) {
	var payload contracts.UpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidUpdate, err)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	conns := b.Registry.connectionsFor(payload.UserID)
	if len(conns) == 0 {
		return messaging.OutcomeSkipped, nil
	}

	for _, c := range conns {
		if err := b.send(ctx, c.conn, data); err != nil {
			b.Logger.Warn("live push failed, dropping connection",
				"user_id", payload.UserID,
				"connection_id", c.id,
				"error", err,
			)
			b.Registry.Deregister(payload.UserID, c.id)
			continue
		}
		metrics.BroadcastPushes.Inc()
	}
	return messaging.OutcomeProcessed, nil
}

func (b *Broadcaster) send(ctx context.Context, conn Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, b.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, data)
}
