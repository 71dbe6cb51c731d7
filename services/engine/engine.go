// Package engine implements the task routing, claim, and recovery engine:
// task intake, the worker registry, and the claim protocol. The Postgres
// task store is the sole authority for claim outcomes; everything the
// engine pushes to workers is advisory.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentrelay/relay/internal/domain"
	"github.com/agentrelay/relay/internal/kafka"
	"github.com/agentrelay/relay/internal/notify"
	"github.com/agentrelay/relay/internal/postgres"
	redisstore "github.com/agentrelay/relay/internal/redis"
	"github.com/agentrelay/relay/pkg/telemetry"
)

var (
	// ErrRateLimited is returned by SubmitTask when the scope's submission
	// window is exhausted.
	ErrRateLimited = errors.New("submission rate limit exceeded")

	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid request")
)

// Engine wires the task store, worker registry, presence mirror, and hint
// producer behind the operations the external interfaces expose.
type Engine struct {
	tasks    postgres.TaskStore
	workers  postgres.WorkerRegistry
	presence redisstore.PresenceStore
	producer kafka.Producer
	limiter  redisstore.RateLimiter // nil = disabled

	livenessTTL        time.Duration
	defaultMaxAttempts int
	logger             *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLivenessTTL(d time.Duration) Option { return func(e *Engine) { e.livenessTTL = d } }

func WithDefaultMaxAttempts(n int) Option { return func(e *Engine) { e.defaultMaxAttempts = n } }

func WithRateLimiter(l redisstore.RateLimiter) Option { return func(e *Engine) { e.limiter = l } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New constructs an Engine with the given dependencies and options.
func New(
	tasks postgres.TaskStore,
	workers postgres.WorkerRegistry,
	presence redisstore.PresenceStore,
	producer kafka.Producer,
	opts ...Option,
) *Engine {
	e := &Engine{
		tasks:              tasks,
		workers:            workers,
		presence:           presence,
		producer:           producer,
		livenessTTL:        30 * time.Second,
		defaultMaxAttempts: 3,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LivenessTTL exposes the configured TTL (the SSE handler keys presence
// writes off it).
func (e *Engine) LivenessTTL() time.Duration { return e.livenessTTL }

// ── task intake ──────────────────────────────────────────────────────────────

// SubmitRequest is a producer's task submission.
type SubmitRequest struct {
	Scope                string          `json:"scope"`
	TargetAgentName      string          `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Priority             int             `json:"priority"`
	MaxAttempts          int             `json:"max_attempts,omitempty"`
	DeadlineSeconds      *int64          `json:"deadline_seconds,omitempty"`
	Payload              json.RawMessage `json:"payload"`
}

// SubmitTask validates and persists a new PENDING task, then announces it
// to eligible workers. The announce is fire-and-forget: a lost hint only
// delays discovery until the next claim-next poll.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.submit_task")
	defer span.End()

	if !domain.ValidScope(req.Scope) {
		return nil, fmt.Errorf("%w: invalid scope %q", ErrInvalidInput, req.Scope)
	}

	if e.limiter != nil {
		allowed, err := e.limiter.Allow(ctx, req.Scope)
		if err != nil {
			// Allow on limiter failure so Redis trouble cannot drop tasks.
			e.logger.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.EngineSubmitRateLimited.Inc()
			return nil, ErrRateLimited
		}
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:                   uuid.New().String(),
		Status:               domain.StatusPending,
		Scope:                req.Scope,
		TargetAgentName:      req.TargetAgentName,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             req.Priority,
		Payload:              req.Payload,
		MaxAttempts:          e.defaultMaxAttempts,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.MaxAttempts > 0 {
		task.MaxAttempts = req.MaxAttempts
	}
	if req.DeadlineSeconds != nil {
		d := now.Add(time.Duration(*req.DeadlineSeconds) * time.Second)
		task.DeadlineAt = &d
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.scope", task.Scope),
	)

	if err := e.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	e.announce(ctx, task)
	telemetry.EngineTasksSubmitted.WithLabelValues(task.Scope).Inc()
	e.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("scope", task.Scope),
		slog.Int("priority", task.Priority),
	)
	return task, nil
}

// GetTask returns the full persisted field set for inspection.
func (e *Engine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.tasks.GetByID(ctx, id)
}

// CancelTask marks a task cancelled. Idempotent: cancelling an already
// terminal task is a no-op success. If the task is RUNNING the executing
// worker is not interrupted; it observes the cancel on its next store
// interaction.
func (e *Engine) CancelTask(ctx context.Context, id string) (domain.Status, error) {
	status, err := e.tasks.Cancel(ctx, id)
	if err != nil {
		return "", err
	}
	e.logger.Info("task cancelled", slog.String("task_id", id), slog.String("status", string(status)))
	return status, nil
}

// ── worker lifecycle ─────────────────────────────────────────────────────────

// RegisterRequest is a worker's registration declaration.
type RegisterRequest struct {
	WorkerID       string   `json:"worker_id"`
	Role           string   `json:"role"`
	OwnedCodebases []string `json:"owned_codebases"`
	Capabilities   []string `json:"capabilities"`
}

// RegisterWorker upserts the worker's declarations and marks it live.
// Re-registering replaces prior scope/capability declarations.
func (e *Engine) RegisterWorker(ctx context.Context, req RegisterRequest) (*domain.Worker, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", ErrInvalidInput)
	}
	if req.Role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}

	worker := &domain.Worker{
		WorkerID:       req.WorkerID,
		Role:           req.Role,
		OwnedCodebases: req.OwnedCodebases,
		Capabilities:   req.Capabilities,
	}
	if err := e.workers.Register(ctx, worker); err != nil {
		return nil, err
	}
	e.markAlive(ctx, req.WorkerID)

	e.logger.Info("worker registered",
		slog.String("worker_id", req.WorkerID),
		slog.String("role", req.Role),
		slog.Int("codebases", len(req.OwnedCodebases)),
	)
	return e.workers.GetByID(ctx, req.WorkerID)
}

// GetWorker looks up a registered worker.
func (e *Engine) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	return e.workers.GetByID(ctx, workerID)
}

// UpdateWorkerCodebases replaces (never merges) the worker's owned set.
func (e *Engine) UpdateWorkerCodebases(ctx context.Context, workerID string, codebases []string) error {
	if err := e.workers.UpdateCodebases(ctx, workerID, codebases); err != nil {
		return err
	}
	e.markAlive(ctx, workerID)
	return nil
}

// WorkerHeartbeat refreshes liveness and nothing else.
func (e *Engine) WorkerHeartbeat(ctx context.Context, workerID string) error {
	if err := e.workers.Heartbeat(ctx, workerID); err != nil {
		return err
	}
	e.markAlive(ctx, workerID)
	telemetry.EngineHeartbeats.Inc()
	return nil
}

// ── claim protocol ───────────────────────────────────────────────────────────

// ClaimNext hands the worker the best claimable task it is eligible for,
// or nil when nothing is available. Nil is an empty poll, not an error.
// Any claim call doubles as a heartbeat.
func (e *Engine) ClaimNext(ctx context.Context, workerID string) (*domain.Task, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.claim_next")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	worker, err := e.workers.GetByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	e.touchWorker(ctx, workerID)

	start := time.Now()
	task, err := e.tasks.ClaimNext(ctx, worker)
	telemetry.EngineClaimLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if task == nil {
		telemetry.EngineClaims.WithLabelValues("empty").Inc()
		return nil, nil
	}

	telemetry.EngineClaims.WithLabelValues("won").Inc()
	span.SetAttributes(attribute.String("task.id", task.ID))
	e.logger.Info("task claimed",
		slog.String("task_id", task.ID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", task.Attempts),
	)
	return task, nil
}

// ClaimTask claims one named task, typically after an advisory hint.
// A ConflictError means another worker won the race, the expected
// outcome for everyone but the winner, surfaced without noise.
func (e *Engine) ClaimTask(ctx context.Context, workerID, taskID string) (*domain.Task, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.claim_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.id", workerID),
		attribute.String("task.id", taskID),
	)

	worker, err := e.workers.GetByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	e.touchWorker(ctx, workerID)

	task, err := e.tasks.ClaimByID(ctx, worker, taskID)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			telemetry.EngineClaims.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	telemetry.EngineClaims.WithLabelValues("won").Inc()
	e.logger.Info("task claimed",
		slog.String("task_id", task.ID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", task.Attempts),
	)
	return task, nil
}

// ── progress & release ───────────────────────────────────────────────────────

// UpdateProgress records a heartbeat/status update from the claim holder.
// An empty status is a pure heartbeat; StatusRunning moves a CLAIMED task
// to RUNNING. Either way last_progress_at is refreshed, keeping the task
// out of the reaper's stuck scan.
func (e *Engine) UpdateProgress(ctx context.Context, taskID, workerID string, status domain.Status) error {
	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ClaimedBy != workerID {
		return &domain.ConflictError{TaskID: taskID, Expected: task.Status, Actual: task.Status}
	}
	e.touchWorker(ctx, workerID)

	switch status {
	case "", task.Status:
		return e.tasks.Touch(ctx, taskID, workerID)
	case domain.StatusRunning:
		return e.tasks.UpdateStatus(ctx, taskID, task.Status, domain.StatusRunning,
			postgres.StatusFields{TouchProgress: true, ClaimedBy: workerID})
	default:
		return &domain.InvalidTransitionError{TaskID: taskID, From: task.Status, To: status}
	}
}

// Release records the terminal outcome of a claimed task. Irreversible.
func (e *Engine) Release(ctx context.Context, taskID, workerID string, status domain.Status, result json.RawMessage, failureReason string) (*domain.Task, error) {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: release status must be %s or %s, got %q",
			ErrInvalidInput, domain.StatusCompleted, domain.StatusFailed, status)
	}

	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ClaimedBy != workerID {
		return nil, &domain.ConflictError{TaskID: taskID, Expected: task.Status, Actual: task.Status}
	}

	// The ClaimedBy guard closes the window between the read above and this
	// write: if the reaper requeued the task and another worker re-claimed
	// it in between, the stale holder conflicts instead of overwriting.
	err = e.tasks.UpdateStatus(ctx, taskID, task.Status, status, postgres.StatusFields{
		ClearClaim:    true,
		Result:        result,
		FailureReason: failureReason,
		ClaimedBy:     workerID,
	})
	if err != nil {
		return nil, err
	}
	e.touchWorker(ctx, workerID)

	telemetry.EngineTasksReleased.WithLabelValues(string(status)).Inc()
	e.logger.Info("task released",
		slog.String("task_id", taskID),
		slog.String("worker_id", workerID),
		slog.String("status", string(status)),
	)
	return e.tasks.GetByID(ctx, taskID)
}

// ── internals ────────────────────────────────────────────────────────────────

// announce publishes the task's availability hint. Failures are logged and
// swallowed: the fan-out is advisory and polling covers the gap.
func (e *Engine) announce(ctx context.Context, task *domain.Task) {
	if e.producer == nil {
		return
	}
	raw, err := json.Marshal(notify.EventForTask(task))
	if err != nil {
		e.logger.Error("marshal hint event", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if err := e.producer.Publish(ctx, kafka.TopicAvailable, task.ID, raw); err != nil {
		e.logger.Warn("publish hint event failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// touchWorker best-effort refreshes heartbeat state; claims and progress
// updates count as liveness signals.
func (e *Engine) touchWorker(ctx context.Context, workerID string) {
	if err := e.workers.Heartbeat(ctx, workerID); err != nil {
		e.logger.Debug("heartbeat refresh failed", slog.String("worker_id", workerID), slog.String("error", err.Error()))
	}
	e.markAlive(ctx, workerID)
}

func (e *Engine) markAlive(ctx context.Context, workerID string) {
	if e.presence == nil {
		return
	}
	if err := e.presence.MarkAlive(ctx, workerID, e.livenessTTL); err != nil {
		e.logger.Debug("presence write failed", slog.String("worker_id", workerID), slog.String("error", err.Error()))
	}
}
