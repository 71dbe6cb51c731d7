package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentrelay/relay/internal/domain"
	"github.com/agentrelay/relay/services/engine"
)

// REST exposes the engine's task and worker operations over HTTP.
type REST struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(eng *engine.Engine, logger *slog.Logger) *REST {
	return &REST{engine: eng, logger: logger}
}

// TaskResponse is the full persisted field set of a task, exposed
// unmodified for inspection.
type TaskResponse struct {
	TaskID               string          `json:"task_id"`
	Status               string          `json:"status"`
	Scope                string          `json:"scope"`
	TargetAgentName      string          `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Priority             int             `json:"priority"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"max_attempts"`
	ClaimedBy            string          `json:"claimed_by,omitempty"`
	DeadlineAt           *time.Time      `json:"deadline_at,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	LastProgressAt       *time.Time      `json:"last_progress_at,omitempty"`
}

func taskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:               t.ID,
		Status:               string(t.Status),
		Scope:                t.Scope,
		TargetAgentName:      t.TargetAgentName,
		RequiredCapabilities: t.RequiredCapabilities,
		Priority:             t.Priority,
		Payload:              t.Payload,
		Attempts:             t.Attempts,
		MaxAttempts:          t.MaxAttempts,
		ClaimedBy:            t.ClaimedBy,
		DeadlineAt:           t.DeadlineAt,
		Result:               t.Result,
		FailureReason:        t.FailureReason,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
		LastProgressAt:       t.LastProgressAt,
	}
}

// WorkerResponse is the registry's view of a worker.
type WorkerResponse struct {
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role"`
	OwnedCodebases  []string  `json:"owned_codebases"`
	Capabilities    []string  `json:"capabilities"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Live            bool      `json:"live"`
}

func (h *REST) workerResponse(w *domain.Worker) WorkerResponse {
	return WorkerResponse{
		WorkerID:        w.WorkerID,
		Role:            w.Role,
		OwnedCodebases:  w.OwnedCodebases,
		Capabilities:    w.Capabilities,
		RegisteredAt:    w.RegisteredAt,
		LastHeartbeatAt: w.LastHeartbeatAt,
		Live:            w.IsLive(time.Now().UTC(), h.engine.LivenessTTL()),
	}
}

// ── task endpoints ───────────────────────────────────────────────────────────

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope == "" {
		writeError(w, http.StatusBadRequest, "field 'scope' is required")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}

	task, err := h.engine.SubmitTask(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse(task))
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.engine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.engine.CancelTask(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(status),
	})
}

// ClaimRequest names the worker attempting a claim or mutation.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimTask handles POST /api/v1/tasks/{id}/claim, the targeted claim a
// worker issues after receiving a hint.
func (h *REST) ClaimTask(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "field 'worker_id' is required")
		return
	}

	task, err := h.engine.ClaimTask(r.Context(), req.WorkerID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

// ProgressRequest is a claim holder's heartbeat/status update.
type ProgressRequest struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status,omitempty"`
}

// UpdateProgress handles POST /api/v1/tasks/{id}/progress.
func (h *REST) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "field 'worker_id' is required")
		return
	}

	err := h.engine.UpdateProgress(r.Context(), chi.URLParam(r, "id"), req.WorkerID, domain.Status(req.Status))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReleaseRequest is a claim holder's terminal outcome report.
type ReleaseRequest struct {
	WorkerID      string          `json:"worker_id"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// ReleaseTask handles POST /api/v1/tasks/{id}/release.
func (h *REST) ReleaseTask(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "field 'worker_id' is required")
		return
	}

	task, err := h.engine.Release(r.Context(), chi.URLParam(r, "id"),
		req.WorkerID, domain.Status(req.Status), req.Result, req.FailureReason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

// ── worker endpoints ─────────────────────────────────────────────────────────

// RegisterWorker handles POST /api/v1/workers.
func (h *REST) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req engine.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	worker, err := h.engine.RegisterWorker(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.workerResponse(worker))
}

// GetWorker handles GET /api/v1/workers/{id}.
func (h *REST) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.engine.GetWorker(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.workerResponse(worker))
}

// UpdateCodebasesRequest replaces a worker's owned codebase set.
type UpdateCodebasesRequest struct {
	OwnedCodebases []string `json:"owned_codebases"`
}

// UpdateWorkerCodebases handles PUT /api/v1/workers/{id}/codebases.
func (h *REST) UpdateWorkerCodebases(w http.ResponseWriter, r *http.Request) {
	var req UpdateCodebasesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.engine.UpdateWorkerCodebases(r.Context(), id, req.OwnedCodebases); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WorkerHeartbeat handles POST /api/v1/workers/{id}/heartbeat.
func (h *REST) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.WorkerHeartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ClaimNext handles POST /api/v1/workers/{id}/claim-next. A 204 means the
// queue held nothing the worker is eligible for, not an error.
func (h *REST) ClaimNext(w http.ResponseWriter, r *http.Request) {
	task, err := h.engine.ClaimNext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

// ── health ───────────────────────────────────────────────────────────────────

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. Ready means the task store answers.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.engine.GetTask(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "task store not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ── error mapping ────────────────────────────────────────────────────────────

func (h *REST) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	writeEngineError(w, r, h.logger, err)
}

// writeEngineError maps the domain error taxonomy onto HTTP statuses.
// Claim conflicts are the expected outcome of racing workers, so they log
// at debug; invalid transitions indicate a confused client and log loudly.
func writeEngineError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		conflict     *domain.ConflictError
		taskMissing  *domain.TaskNotFoundError
		workMissing  *domain.WorkerNotFoundError
		badTransit   *domain.InvalidTransitionError
		pastDeadline *domain.DeadlineExceededError
	)

	switch {
	case errors.As(err, &conflict):
		logger.Debug("claim conflict", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &taskMissing), errors.As(err, &workMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &badTransit):
		logger.Warn("invalid status transition requested",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &pastDeadline):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, engine.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
