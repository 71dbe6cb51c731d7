package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentrelay/relay/internal/domain"
)

// taskColumns is the full task field set, exposed unmodified for
// inspection and debugging.
const taskColumns = `id, status, scope, target_agent_name, required_capabilities,
	priority, payload, attempts, max_attempts, claimed_by, deadline_at,
	result, failure_reason, created_at, updated_at, last_progress_at`

// StatusFields carries the side effects a status transition may apply in
// the same atomic UPDATE as the status change itself.
type StatusFields struct {
	ClearClaim        bool
	IncrementAttempts bool
	TouchProgress     bool
	Result            json.RawMessage
	FailureReason     string

	// ClaimedBy, when set, additionally guards the transition on the row's
	// current claim holder. A worker whose claim was requeued and re-claimed
	// elsewhere then conflicts instead of overwriting the new holder's task.
	ClaimedBy string
}

// TaskStore is the single source of truth for task state. Every mutation
// is one conditional UPDATE against one row; concurrent callers either
// succeed atomically or observe a ConflictError.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, expected, next domain.Status, fields StatusFields) error
	Cancel(ctx context.Context, id string) (domain.Status, error)
	ClaimNext(ctx context.Context, worker *domain.Worker) (*domain.Task, error)
	ClaimByID(ctx context.Context, worker *domain.Worker, taskID string) (*domain.Task, error)
	Touch(ctx context.Context, id, workerID string) error
	MarkRouted(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)
	ListExpired(ctx context.Context, now time.Time) ([]*domain.Task, error)
}

type taskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore wraps a pgxpool with the TaskStore interface.
func NewTaskStore(pool *pgxpool.Pool) TaskStore {
	return &taskStore{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *taskStore) Create(ctx context.Context, task *domain.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, status, scope, target_agent_name, required_capabilities,
			 priority, payload, attempts, max_attempts, deadline_at,
			 created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		task.ID, string(task.Status), task.Scope, nullable(task.TargetAgentName),
		textArray(task.RequiredCapabilities), task.Priority, task.Payload,
		task.Attempts, task.MaxAttempts, task.DeadlineAt,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *taskStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

// UpdateStatus performs a compare-and-swap transition: the row moves from
// expected to next, applying fields in the same statement, or the call
// fails. Zero rows affected is disambiguated by a follow-up read into
// TaskNotFoundError or ConflictError. An expected -> next pair the state
// machine forbids is rejected up front as InvalidTransitionError.
func (s *taskStore) UpdateStatus(ctx context.Context, id string, expected, next domain.Status, fields StatusFields) error {
	if !domain.CanTransition(expected, next) {
		return &domain.InvalidTransitionError{TaskID: id, From: expected, To: next}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status           = $3,
		    claimed_by       = CASE WHEN $4 THEN NULL ELSE claimed_by END,
		    attempts         = attempts + $5,
		    last_progress_at = CASE WHEN $6 THEN now() ELSE last_progress_at END,
		    result           = COALESCE($7, result),
		    failure_reason   = COALESCE($8, failure_reason),
		    updated_at       = now()
		WHERE id = $1 AND status = $2
		  AND ($9::text IS NULL OR claimed_by = $9)
	`,
		id, string(expected), string(next),
		fields.ClearClaim, boolToInt(fields.IncrementAttempts), fields.TouchProgress,
		fields.Result, nullable(fields.FailureReason), nullable(fields.ClaimedBy),
	)
	if err != nil {
		return fmt.Errorf("update status for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return &domain.ConflictError{TaskID: id, Expected: expected, Actual: cur.Status}
	}
	return nil
}

// Cancel moves a non-terminal task to CANCELLED and clears any claim.
// Calling it on an already terminal task (cancelled included) is a no-op
// success; the current status is returned either way.
func (s *taskStore) Cancel(ctx context.Context, id string) (domain.Status, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, claimed_by = NULL, updated_at = now()
		WHERE id = $1
		  AND status NOT IN ($3, $4, $5)
	`, id, string(domain.StatusCancelled),
		string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled))
	if err != nil {
		return "", fmt.Errorf("cancel task %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return domain.StatusCancelled, nil
	}
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return cur.Status, nil
}

// ClaimNext selects the highest-priority, oldest claimable task the worker
// is eligible for and atomically claims it. FOR UPDATE SKIP LOCKED makes a
// row held by a concurrent claim attempt invisible rather than blocking, so
// at most one caller can win any given row. Returns (nil, nil) when nothing
// is claimable; an empty poll, not an error.
//
// The eligibility predicate here mirrors routing.Eligible and is the
// authoritative evaluation; the fan-out's advisory evaluation may disagree
// transiently.
func (s *taskStore) ClaimNext(ctx context.Context, worker *domain.Worker) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id
			FROM tasks
			WHERE status IN ($5, $6)
			  AND (deadline_at IS NULL OR deadline_at > now())
			  AND (target_agent_name IS NULL OR target_agent_name = $1)
			  AND (scope = $7 OR scope = $8 OR scope = ANY($2))
			  AND required_capabilities <@ $3
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks AS t
		SET status           = $9,
		    claimed_by       = $4,
		    attempts         = t.attempts + 1,
		    last_progress_at = now(),
		    updated_at       = now()
		FROM candidate AS c
		WHERE t.id = c.id
		RETURNING `+prefixColumns("t"),
		worker.Role, ownedScopes(worker), textArray(worker.Capabilities), worker.WorkerID,
		string(domain.StatusPending), string(domain.StatusRouted),
		domain.ScopeGlobal, domain.ScopePendingRegistration,
		string(domain.StatusClaimed),
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next for worker %s: %w", worker.WorkerID, err)
	}
	return task, nil
}

// ClaimByID claims one named task, re-checking the full eligibility
// predicate inside the UPDATE. Losing the race to another worker yields a
// ConflictError, the expected outcome after an advisory hint, not a
// system error.
func (s *taskStore) ClaimByID(ctx context.Context, worker *domain.Worker, taskID string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status           = $9,
		    claimed_by       = $4,
		    attempts         = attempts + 1,
		    last_progress_at = now(),
		    updated_at       = now()
		WHERE id = $10
		  AND status IN ($5, $6)
		  AND (deadline_at IS NULL OR deadline_at > now())
		  AND (target_agent_name IS NULL OR target_agent_name = $1)
		  AND (scope = $7 OR scope = $8 OR scope = ANY($2))
		  AND required_capabilities <@ $3
		RETURNING `+taskColumns,
		worker.Role, ownedScopes(worker), textArray(worker.Capabilities), worker.WorkerID,
		string(domain.StatusPending), string(domain.StatusRouted),
		domain.ScopeGlobal, domain.ScopePendingRegistration,
		string(domain.StatusClaimed), taskID,
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim task %s for worker %s: %w", taskID, worker.WorkerID, err)
	}

	// Zero rows: work out why for the caller.
	cur, err := s.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cur.DeadlinePassed(time.Now().UTC()) && !cur.Status.IsTerminal() {
		return nil, &domain.DeadlineExceededError{TaskID: taskID}
	}
	// Either the task already moved (lost race, terminal, cancelled) or this
	// worker is simply not eligible for it. Both surface as Conflict.
	return nil, &domain.ConflictError{TaskID: taskID, Expected: domain.StatusPending, Actual: cur.Status}
}

// Touch refreshes last_progress_at for the claim holder. Used for
// heartbeats that carry no status change.
func (s *taskStore) Touch(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET last_progress_at = now(), updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status IN ($3, $4)
	`, id, workerID, string(domain.StatusClaimed), string(domain.StatusRunning))
	if err != nil {
		return fmt.Errorf("touch task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return &domain.ConflictError{TaskID: id, Expected: domain.StatusRunning, Actual: cur.Status}
	}
	return nil
}

// MarkRouted flips PENDING to the advisory ROUTED state after a hint went
// out. Purely cosmetic for observers; losing this write is harmless, so a
// zero-row result is not an error.
func (s *taskStore) MarkRouted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, string(domain.StatusRouted), string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("mark routed %s: %w", id, err)
	}
	return nil
}

func (s *taskStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListStuck returns claimed or running tasks whose last progress predates
// cutoff. A task abandoned right after its claim is as stuck as one
// abandoned mid-run.
func (s *taskStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ($1, $2) AND last_progress_at < $3
		ORDER BY last_progress_at ASC
	`, string(domain.StatusClaimed), string(domain.StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListExpired returns unfinished tasks whose deadline has passed.
func (s *taskStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ($1, $2, $3)
		  AND deadline_at IS NOT NULL AND deadline_at < $4
		ORDER BY deadline_at ASC
	`, string(domain.StatusPending), string(domain.StatusRouted), string(domain.StatusClaimed), now)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task       domain.Task
		statusStr  string
		target     *string
		claimedBy  *string
		failReason *string
	)
	err := row.Scan(
		&task.ID, &statusStr, &task.Scope, &target, &task.RequiredCapabilities,
		&task.Priority, &task.Payload, &task.Attempts, &task.MaxAttempts,
		&claimedBy, &task.DeadlineAt, &task.Result, &failReason,
		&task.CreatedAt, &task.UpdatedAt, &task.LastProgressAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	if target != nil {
		task.TargetAgentName = *target
	}
	if claimedBy != nil {
		task.ClaimedBy = *claimedBy
	}
	if failReason != nil {
		task.FailureReason = *failReason
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ── small SQL helpers ────────────────────────────────────────────────────────

// ownedScopes maps a worker's codebases to the scope strings tasks carry.
func ownedScopes(w *domain.Worker) []string {
	scopes := make([]string, 0, len(w.OwnedCodebases))
	for _, c := range w.OwnedCodebases {
		scopes = append(scopes, domain.CodebaseScope(c))
	}
	return scopes
}

// textArray never passes a nil slice so Postgres sees '{}' instead of NULL.
func textArray(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func prefixColumns(alias string) string {
	out := ""
	for i, col := range splitColumns() {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns() []string {
	return []string{
		"id", "status", "scope", "target_agent_name", "required_capabilities",
		"priority", "payload", "attempts", "max_attempts", "claimed_by",
		"deadline_at", "result", "failure_reason", "created_at", "updated_at",
		"last_progress_at",
	}
}
