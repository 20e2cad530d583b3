// Command load-generator drives synthetic users through the task API and
// holds live-update connections open, so the whole pipeline (publish,
// consumers, broadcast) runs under sustained load. It is a test harness,
// not part of the deployed system.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskloop/taskloop/internal/platform/env"
)

type config struct {
	TaskAPIBase             string
	StreamBase              string
	Users                   int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	EnableWS                bool
}

type taskCreateResponse struct {
	Status string `json:"status"`
	Task   *struct {
		ID string `json:"id"`
	} `json:"task"`
}

type simulatedUser struct {
	Index int
	ID    string

	mu    sync.Mutex
	tasks []string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	updatesSeen     atomic.Int64
	activeVUs       atomic.Int64
	activeWS        atomic.Int64
}

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskloop_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskloop_loadgen_actions_total",
		Help: "User actions executed by the load generator",
	}, []string{"action", "outcome"})

	updatesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskloop_loadgen_updates_received_total",
		Help: "Live-update messages received over WebSocket",
	})

	virtualUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskloop_loadgen_virtual_users",
		Help: "Virtual users currently sending actions",
	})

	wsConnectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskloop_loadgen_ws_connected_users",
		Help: "Virtual users with an open WebSocket connection",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, actionsTotal, updatesReceived, virtualUsersGauge, wsConnectedGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 2,
		MaxIdleConnsPerHost: cfg.Users * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}

	if err := r.waitForDependencies(ctx); err != nil {
		log.Fatalf("dependency readiness failed: %v", err)
	}

	log.Printf("load generator starting: users=%d duration=%s ws=%v rate_per_user=%.2f req/s",
		cfg.Users, cfg.Duration, cfg.EnableWS, cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Users; i++ {
		user := &simulatedUser{
			Index: i,
			ID:    fmt.Sprintf("load-%s-%04d", r.runID, i),
		}
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(user)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d updates_received=%d",
		r.requestsSuccess.Load(), r.requestsError.Load(), r.updatesSeen.Load())
}

func loadConfig() config {
	return config{
		TaskAPIBase:             trimRightSlash(env.String("LOADGEN_TASK_API_BASE", "http://task-api:8080")),
		StreamBase:              trimRightSlash(env.String("LOADGEN_STREAM_BASE", "http://update-streamer:8081")),
		Users:                   env.Int("LOADGEN_USERS", 100),
		StartupWait:             env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                env.Duration("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		RequestTimeout:          env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
		EnableWS:                env.Bool("LOADGEN_ENABLE_WS", true),
	}
}

func (r *runner) waitForDependencies(ctx context.Context) error {
	wait := r.cfg.StartupWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}

	if err := r.waitForHTTPStatus(ctx, r.cfg.TaskAPIBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("task-api not ready: %w", err)
	}
	if r.cfg.EnableWS {
		if err := r.waitForHTTPStatus(ctx, r.cfg.StreamBase+"/readyz", http.StatusOK, wait); err != nil {
			return fmt.Errorf("update-streamer not ready: %w", err)
		}
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Users, 1))) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableWS {
		go r.runWSLoop(ctx, user)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, user, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	taskID, hasTask := user.randomTask(rng)

	choice := rng.Float64()
	switch {
	case !hasTask || choice < 0.45:
		r.createTask(ctx, user, rng)
	case choice < 0.70:
		// Completions feed the recurrence and reminder consumers, so they
		// get a healthy share of the mix.
		r.completeTask(ctx, user, taskID)
	case choice < 0.90:
		r.updateTask(ctx, user, rng, taskID)
	default:
		r.deleteTask(ctx, user, taskID)
	}
}

func (r *runner) createTask(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	payload := map[string]any{
		"title": fmt.Sprintf("Load task %d", rng.Intn(1_000_000)),
	}
	roll := rng.Float64()
	if roll < 0.30 {
		due := time.Now().UTC().Add(time.Duration(1+rng.Intn(48)) * time.Hour)
		payload["due_date"] = due
		if roll < 0.10 {
			payload["recurrence"] = map[string]any{"pattern": "daily", "interval": 1}
		} else if roll < 0.20 {
			payload["reminder"] = map[string]any{"offset_minutes": 15 + rng.Intn(120)}
		}
	}

	var resp taskCreateResponse
	_, err := r.requestJSON(ctx, user, "tasks_create", http.MethodPost, r.cfg.TaskAPIBase+"/api/v1/tasks",
		payload, &resp, http.StatusCreated, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("create", "error").Inc()
		return
	}
	if resp.Task != nil && resp.Task.ID != "" {
		user.addTask(resp.Task.ID)
	}
	actionsTotal.WithLabelValues("create", "success").Inc()
}

func (r *runner) completeTask(ctx context.Context, user *simulatedUser, taskID string) {
	_, err := r.requestJSON(ctx, user, "tasks_complete", http.MethodPost,
		r.cfg.TaskAPIBase+"/api/v1/tasks/"+taskID+"/complete", nil, nil, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("complete", "error").Inc()
		return
	}
	user.removeTask(taskID)
	actionsTotal.WithLabelValues("complete", "success").Inc()
}

func (r *runner) updateTask(ctx context.Context, user *simulatedUser, rng *rand.Rand, taskID string) {
	_, err := r.requestJSON(ctx, user, "tasks_update", http.MethodPatch,
		r.cfg.TaskAPIBase+"/api/v1/tasks/"+taskID, map[string]any{
			"title": fmt.Sprintf("Updated load task %d", rng.Intn(1_000_000)),
		}, nil, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("update", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("update", "success").Inc()
}

func (r *runner) deleteTask(ctx context.Context, user *simulatedUser, taskID string) {
	_, err := r.requestJSON(ctx, user, "tasks_delete", http.MethodDelete,
		r.cfg.TaskAPIBase+"/api/v1/tasks/"+taskID, nil, nil, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}
	user.removeTask(taskID)
	actionsTotal.WithLabelValues("delete", "success").Inc()
}

func (r *runner) runWSLoop(ctx context.Context, user *simulatedUser) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadWS(ctx, user)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ws reconnect user=%s err=%v", user.ID, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) connectAndReadWS(ctx context.Context, user *simulatedUser) error {
	wsURL := r.cfg.StreamBase + "/ws?user_id=" + url.QueryEscape(user.ID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		requestsTotal.WithLabelValues("ws_open", http.MethodGet, "0", "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	requestsTotal.WithLabelValues("ws_open", http.MethodGet, "101", "success").Inc()
	r.requestsSuccess.Add(1)

	wsConnectedGauge.Inc()
	r.activeWS.Add(1)
	defer wsConnectedGauge.Dec()
	defer r.activeWS.Add(-1)

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		updatesReceived.Inc()
		r.updatesSeen.Add(1)
	}
}

func (r *runner) requestJSON(
	ctx context.Context,
	user *simulatedUser,
	endpoint, method, requestURL string,
	payload any,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", user.ID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d updates_received=%d active_vus=%d active_ws=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.updatesSeen.Load(),
				r.activeVUs.Load(),
				r.activeWS.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func (u *simulatedUser) addTask(taskID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tasks = append(u.tasks, taskID)
}

func (u *simulatedUser) randomTask(rng *rand.Rand) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tasks) == 0 {
		return "", false
	}
	return u.tasks[rng.Intn(len(u.tasks))], true
}

func (u *simulatedUser) removeTask(taskID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.tasks {
		if existing != taskID {
			continue
		}
		u.tasks[idx] = u.tasks[len(u.tasks)-1]
		u.tasks = u.tasks[:len(u.tasks)-1]
		return
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
