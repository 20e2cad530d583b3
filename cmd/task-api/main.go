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

	"github.com/taskloop/taskloop/internal/app/audit"
	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/app/recurrence"
	"github.com/taskloop/taskloop/internal/app/reminder"
	"github.com/taskloop/taskloop/internal/app/taskapi"
	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/guard"
	"github.com/taskloop/taskloop/internal/platform/config"
	"github.com/taskloop/taskloop/internal/platform/dbpool"
	"github.com/taskloop/taskloop/internal/platform/env"
	"github.com/taskloop/taskloop/internal/platform/logging"
	"github.com/taskloop/taskloop/internal/platform/metrics"
	"github.com/taskloop/taskloop/internal/platform/natsutil"
	"github.com/taskloop/taskloop/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := logging.Setup("task-api")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	addr := env.String("TASK_API_ADDR", env.DefaultAPIAddr)
	databaseURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

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

	jsPub := natsutil.JetStreamPublisher{JS: client.JS}
	events := publisher.NewService(jsPub.Publish, publisher.NewFailureRepository(pool), logger)
	events.Shards = cfg.Shards
	events.MaxAttempts = cfg.Publish.MaxAttempts
	events.RetryDelay = cfg.Publish.RetryDelay

	var dedup guard.Guard = guard.NewMemory()
	if cfg.Dedup.Durable {
		dedup = guard.NewStore(pool)
	}

	service := taskapi.NewService(
		tasks.NewRepository(pool),
		recurrence.NewRepository(pool),
		reminder.NewScheduler(reminder.NewRepository(pool)),
		audit.NewRepository(pool),
		dedup,
		events,
		logger,
		cfg.Dedup.TTL,
	)
	handler := taskapi.NewHandler(service, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := readiness(r.Context(), pool, client); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("task api listening", "addr", addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func readiness(ctx context.Context, pool *pgxpool.Pool, client *natsutil.Client) error {
	if err := client.Ready(); err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
