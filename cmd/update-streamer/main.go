package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/taskloop/taskloop/internal/app/stream"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/config"
	"github.com/taskloop/taskloop/internal/platform/env"
	"github.com/taskloop/taskloop/internal/platform/logging"
	"github.com/taskloop/taskloop/internal/platform/metrics"
	"github.com/taskloop/taskloop/internal/platform/natsutil"
)

func main() {
	_ = godotenv.Load()
	logger := logging.Setup("update-streamer")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	addr := env.String("UPDATE_STREAMER_ADDR", env.DefaultStreamAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		logger.Error("connecting to nats failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	registry := stream.NewRegistry(cfg.Stream.MaxConnsPerUser)
	broadcaster := stream.NewBroadcaster(registry, logger, cfg.Stream)

	// An ephemeral push subscription is the right shape here: a streamer
	// replica that was down has nobody to deliver to, so it starts from new
	// messages instead of replaying the backlog.
	sub, err := client.JS.Subscribe(messaging.UpdatesWildcard(), func(msg *nats.Msg) {
		handleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := broadcaster.HandleUpdate(handleCtx, msg.Data); err != nil {
			logger.Warn("dropping malformed update", "subject", msg.Subject, "error", err)
		}
	}, nats.DeliverNew())
	if err != nil {
		logger.Error("subscribing failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := client.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", stream.ServeWS(registry, broadcaster, logger))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// No ReadTimeout or WriteTimeout: WebSocket connections are
		// long-lived and manage their own deadlines per write.
		IdleTimeout: 60 * time.Second,
	}

	logger.Info("update streamer listening", "addr", addr, "subject", messaging.UpdatesWildcard())
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case <-runCtx.Done():
	}

	_ = sub.Unsubscribe()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
