package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/app/recurrence"
	"github.com/taskloop/taskloop/internal/app/reminder"
	"github.com/taskloop/taskloop/internal/app/tasks"
)

type Handler struct {
	Service *Service
	Logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Group(func(authR chi.Router) {
		authR.Use(h.requireUser)
		authR.Post("/api/v1/tasks", h.handleCreate)
		authR.Get("/api/v1/tasks", h.handleList)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGet)
		authR.Patch("/api/v1/tasks/{taskID}", h.handleUpdate)
		authR.Delete("/api/v1/tasks/{taskID}", h.handleDelete)
		authR.Post("/api/v1/tasks/{taskID}/complete", h.handleComplete)
		authR.Post("/api/v1/tasks/{taskID}/reminders", h.handleScheduleReminder)
		authR.Get("/api/v1/tasks/{taskID}/reminders", h.handleListReminders)
		authR.Get("/api/v1/tasks/{taskID}/audit", h.handleAudit)
	})

	return r
}

type userKey struct{}

func contextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			h.writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), userID)))
	})
}

type CreateTaskResponse struct {
	Status string      `json:"status"`
	Task   *tasks.Task `json:"task,omitempty"`
	// Rule and Reminder echo what Create attached alongside the task.
	Rule     *recurrence.Rule   `json:"recurrence_rule,omitempty"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	// EventDelivered is false when the mutation committed but the envelope
	// exhausted its publish retries and was parked for replay.
	EventDelivered bool `json:"event_delivered"`
}

type TaskResponse struct {
	Status         string      `json:"status"`
	Task           *tasks.Task `json:"task,omitempty"`
	EventDelivered bool        `json:"event_delivered"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := h.Service.Create(r.Context(), userFromContext(r.Context()), req)
	if err != nil && !errors.Is(err, publisher.ErrEventNotDelivered) {
		h.writeServiceError(w, err)
		return
	}
	if result.Duplicate {
		h.writeJSON(w, http.StatusOK, CreateTaskResponse{Status: "duplicate", EventDelivered: true})
		return
	}
	h.writeJSON(w, http.StatusCreated, CreateTaskResponse{
		Status:         "created",
		Task:           &result.Task,
		Rule:           result.Rule,
		Reminder:       result.Reminder,
		EventDelivered: err == nil,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.Service.List(r.Context(), userFromContext(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.Get(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	task, err := h.Service.Update(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"), req)
	if err != nil && !errors.Is(err, publisher.ErrEventNotDelivered) {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TaskResponse{Status: "updated", Task: &task, EventDelivered: err == nil})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	task, changed, err := h.Service.Complete(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil && !errors.Is(err, publisher.ErrEventNotDelivered) {
		h.writeServiceError(w, err)
		return
	}
	status := "completed"
	if !changed {
		status = "already_completed"
	}
	h.writeJSON(w, http.StatusOK, TaskResponse{Status: status, Task: &task, EventDelivered: err == nil})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.Delete(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil && !errors.Is(err, publisher.ErrEventNotDelivered) {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TaskResponse{Status: "deleted", Task: &task, EventDelivered: err == nil})
}

func (h *Handler) handleScheduleReminder(w http.ResponseWriter, r *http.Request) {
	var req ScheduleReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	rem, err := h.Service.ScheduleReminder(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"reminder": rem})
}

func (h *Handler) handleListReminders(w http.ResponseWriter, r *http.Request) {
	reminders, err := h.Service.ListReminders(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"reminders": reminders})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Service.AuditTrail(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTitleRequired),
		errors.Is(err, ErrInvalidPriority),
		errors.Is(err, ErrDueDatePast),
		errors.Is(err, ErrDueDateRequired),
		errors.Is(err, ErrInvalidReminder),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, reminder.ErrFireAtPast):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		h.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, ErrTaskCompleted):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.Logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("encoding response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
