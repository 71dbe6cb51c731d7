package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentrelay/relay/internal/domain"
)

const workerColumns = `worker_id, role, owned_codebases, capabilities, registered_at, last_heartbeat_at`

// WorkerRegistry is the durable record of worker declarations. Liveness is
// never stored: it is computed at read time from last_heartbeat_at, so
// there is no eviction sweep to race an in-flight claim.
type WorkerRegistry interface {
	Register(ctx context.Context, worker *domain.Worker) error
	UpdateCodebases(ctx context.Context, workerID string, codebases []string) error
	Heartbeat(ctx context.Context, workerID string) error
	GetByID(ctx context.Context, workerID string) (*domain.Worker, error)
	ListLive(ctx context.Context, ttl time.Duration) ([]*domain.Worker, error)
}

type workerRegistry struct {
	pool *pgxpool.Pool
}

// NewWorkerRegistry wraps a pgxpool with the WorkerRegistry interface.
func NewWorkerRegistry(pool *pgxpool.Pool) WorkerRegistry {
	return &workerRegistry{pool: pool}
}

// Register upserts the worker's declarations. Re-registering replaces the
// prior scope and capability sets entirely; the registered set reflects
// the worker's current truth, not history.
func (r *workerRegistry) Register(ctx context.Context, worker *domain.Worker) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workers
			(worker_id, role, owned_codebases, capabilities, registered_at, last_heartbeat_at)
		VALUES
			($1, $2, $3, $4, now(), now())
		ON CONFLICT (worker_id) DO UPDATE
		SET role              = EXCLUDED.role,
		    owned_codebases   = EXCLUDED.owned_codebases,
		    capabilities      = EXCLUDED.capabilities,
		    last_heartbeat_at = now()
	`, worker.WorkerID, worker.Role, textArray(worker.OwnedCodebases), textArray(worker.Capabilities))
	if err != nil {
		return fmt.Errorf("register worker %s: %w", worker.WorkerID, err)
	}
	return nil
}

// UpdateCodebases replaces the worker's owned codebase set. Replace, not
// merge.
func (r *workerRegistry) UpdateCodebases(ctx context.Context, workerID string, codebases []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE workers
		SET owned_codebases = $2, last_heartbeat_at = now()
		WHERE worker_id = $1
	`, workerID, textArray(codebases))
	if err != nil {
		return fmt.Errorf("update codebases for worker %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.WorkerNotFoundError{WorkerID: workerID}
	}
	return nil
}

// Heartbeat bumps last_heartbeat_at and nothing else.
func (r *workerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE workers
		SET last_heartbeat_at = now()
		WHERE worker_id = $1
	`, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.WorkerNotFoundError{WorkerID: workerID}
	}
	return nil
}

func (r *workerRegistry) GetByID(ctx context.Context, workerID string) (*domain.Worker, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		WHERE worker_id = $1
	`, workerID)
	worker, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.WorkerNotFoundError{WorkerID: workerID}
		}
		return nil, err
	}
	return worker, nil
}

// ListLive returns workers whose heartbeat is within ttl of now.
func (r *workerRegistry) ListLive(ctx context.Context, ttl time.Duration) ([]*domain.Worker, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		WHERE last_heartbeat_at > now() - $1::interval
		ORDER BY worker_id
	`, ttl)
	if err != nil {
		return nil, fmt.Errorf("list live workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row interface {
	Scan(...any) error
}) (*domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(
		&w.WorkerID, &w.Role, &w.OwnedCodebases, &w.Capabilities,
		&w.RegisteredAt, &w.LastHeartbeatAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	return &w, nil
}
