package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/taskloop/taskloop/internal/app/reminder"
	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/config"
	"github.com/taskloop/taskloop/internal/platform/dbpool"
	"github.com/taskloop/taskloop/internal/platform/env"
	"github.com/taskloop/taskloop/internal/platform/logging"
	"github.com/taskloop/taskloop/internal/platform/metrics"
	"github.com/taskloop/taskloop/internal/platform/natsutil"
	"github.com/taskloop/taskloop/internal/store"
)

const cancelConsumerName = "reminder-cancel"

func main() {
	_ = godotenv.Load()
	logger := logging.Setup("reminder-worker")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	adminAddr := env.String("ADMIN_ADDR", env.DefaultAdminAddr)
	databaseURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)

	pool, err := dbpool.New(runCtx, databaseURL)
	if err != nil {
		logger.Error("creating database pool failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.WaitForReady(runCtx, pool, databaseURL, 30*time.Second); err != nil {
		logger.Error("store never became ready", "error", err)
		os.Exit(1)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		logger.Error("connecting to nats failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	reminderRepo := reminder.NewRepository(pool)

	// The event consumer cancels eagerly; the sweep below re-checks the task
	// at fire time, so either path alone keeps stale reminders silent.
	canceller := reminder.NewCanceller(reminderRepo, logger)
	consumer := &messaging.Consumer{
		Name:       cancelConsumerName,
		Publisher:  natsutil.JetStreamPublisher{JS: client.JS},
		Handle:     canceller.Handle,
		MaxDeliver: cfg.Consumers.MaxDeliver,
		Logger:     logger,
	}
	sub, err := client.JS.QueueSubscribe(messaging.EventsWildcard(), cancelConsumerName, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		consumer.Process(msgCtx, msg)
	}, nats.Durable(cancelConsumerName), nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		logger.Error("subscribing failed", "error", err)
		os.Exit(1)
	}

	var notifier reminder.Notifier = &reminder.LogNotifier{Logger: logger}
	if cfg.Reminders.WebhookURL != "" {
		notifier = reminder.NewWebhookNotifier(cfg.Reminders.WebhookURL, cfg.Reminders.WebhookTimeout)
	}

	worker := reminder.NewWorker(reminderRepo, tasks.NewRepository(pool), notifier, logger, cfg.Reminders)
	worker.Start(runCtx)

	adminServer := adminHTTPServer(adminAddr, pool, client)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	logger.Info("reminder worker running",
		"sweep_workers", cfg.Reminders.Workers,
		"poll_interval", cfg.Reminders.PollInterval,
		"webhook", cfg.Reminders.WebhookURL != "",
	)
	<-runCtx.Done()

	_ = sub.Drain()
	worker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
}

func adminHTTPServer(addr string, pool *pgxpool.Pool, client *natsutil.Client) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := client.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, fmt.Sprintf("postgres ping failed: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
