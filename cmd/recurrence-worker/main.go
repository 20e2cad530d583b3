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

	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/app/recurrence"
	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/config"
	"github.com/taskloop/taskloop/internal/platform/dbpool"
	"github.com/taskloop/taskloop/internal/platform/env"
	"github.com/taskloop/taskloop/internal/platform/logging"
	"github.com/taskloop/taskloop/internal/platform/metrics"
	"github.com/taskloop/taskloop/internal/platform/natsutil"
	"github.com/taskloop/taskloop/internal/store"
)

const consumerName = "recurrence-worker"

func main() {
	_ = godotenv.Load()
	logger := logging.Setup(consumerName)

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

	jsPub := natsutil.JetStreamPublisher{JS: client.JS}
	events := publisher.NewService(jsPub.Publish, publisher.NewFailureRepository(pool), logger)
	events.Shards = cfg.Shards
	events.MaxAttempts = cfg.Publish.MaxAttempts
	events.RetryDelay = cfg.Publish.RetryDelay

	generator := recurrence.NewGenerator(
		recurrence.NewRepository(pool),
		tasks.NewRepository(pool),
		events,
		logger,
	)
	consumer := &messaging.Consumer{
		Name:       consumerName,
		Publisher:  jsPub,
		Handle:     generator.Handle,
		MaxDeliver: cfg.Consumers.MaxDeliver,
		Logger:     logger,
	}

	// Only completions matter here; the subject filter keeps the rest of the
	// event traffic off this consumer entirely.
	subject := messaging.EventsTypeWildcard(contracts.EventTaskCompleted)
	subs := make([]*nats.Subscription, 0, cfg.Consumers.Workers)
	for i := 0; i < cfg.Consumers.Workers; i++ {
		sub, err := client.JS.QueueSubscribe(subject, consumerName, func(msg *nats.Msg) {
			msgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			consumer.Process(msgCtx, msg)
		}, nats.Durable(consumerName), nats.ManualAck(), nats.AckWait(30*time.Second))
		if err != nil {
			logger.Error("subscribing failed", "error", err)
			os.Exit(1)
		}
		subs = append(subs, sub)
	}

	adminServer := adminHTTPServer(adminAddr, pool, client)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	logger.Info("recurrence worker consuming",
		"subject", subject,
		"workers", cfg.Consumers.Workers,
	)
	<-runCtx.Done()

	for _, sub := range subs {
		_ = sub.Drain()
	}
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
