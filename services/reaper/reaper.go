// Package reaper recovers tasks whose workers went silent. It periodically
// scans for claims with stale progress and for tasks past their deadline,
// then requeues or terminally fails them through the same CAS transitions
// workers use. Multiple instances can run; a Redis lease keeps scans to one
// instance at a time, and the CAS guard makes even a split brain harmless.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrelay/relay/internal/domain"
	"github.com/agentrelay/relay/internal/kafka"
	"github.com/agentrelay/relay/internal/notify"
	"github.com/agentrelay/relay/internal/postgres"
	redisstore "github.com/agentrelay/relay/internal/redis"
	"github.com/agentrelay/relay/pkg/retry"
	"github.com/agentrelay/relay/pkg/telemetry"
)

// TaskScanner is the slice of the task store the reaper needs.
type TaskScanner interface {
	ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)
	ListExpired(ctx context.Context, now time.Time) ([]*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, expected, next domain.Status, fields postgres.StatusFields) error
}

// StatusReport is the introspection snapshot served over HTTP.
type StatusReport struct {
	State             string     `json:"state"` // idle | scanning
	Leader            bool       `json:"leader"`
	CyclesTotal       int64      `json:"cycles_total"`
	LastCycleAt       *time.Time `json:"last_cycle_at,omitempty"`
	LastCycleDuration string     `json:"last_cycle_duration,omitempty"`
	LastRequeued      int        `json:"last_requeued"`
	LastFailed        int        `json:"last_failed"`
	StuckTaskIDs      []string   `json:"stuck_task_ids,omitempty"`
}

// Reaper is the recovery loop.
type Reaper struct {
	tasks    TaskScanner
	producer kafka.Producer
	elector  redisstore.LeaderElector // nil = always leader (single instance)

	scanInterval time.Duration
	stuckTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	report StatusReport
}

// New constructs a Reaper. stuckTimeout is how long a claimed or running
// task may go without progress before it is considered abandoned.
func New(
	tasks TaskScanner,
	producer kafka.Producer,
	elector redisstore.LeaderElector,
	scanInterval, stuckTimeout time.Duration,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		tasks:        tasks,
		producer:     producer,
		elector:      elector,
		scanInterval: scanInterval,
		stuckTimeout: stuckTimeout,
		logger:       logger,
		report:       StatusReport{State: "idle"},
	}
}

// Status returns the latest cycle snapshot.
func (r *Reaper) Status() StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// Run is the main loop: acquire (or renew) leadership, then sweep.
// Blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	// Sweep once immediately before waiting for the first tick.
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			if r.elector != nil {
				resignCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = r.elector.Resign(resignCtx)
				cancel()
			}
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	leader := true
	if r.elector != nil {
		ok, err := r.elector.AcquireOrRenew(ctx)
		if err != nil {
			r.logger.Error("leader election", slog.String("error", err.Error()))
			ok = false
		}
		leader = ok
	}

	r.mu.Lock()
	r.report.Leader = leader
	r.mu.Unlock()

	if !leader {
		return
	}
	r.sweep(ctx)
}

// sweep runs one full scan cycle: expired deadlines first (they fail
// regardless of attempts), then stale claims.
func (r *Reaper) sweep(ctx context.Context) {
	start := time.Now().UTC()
	r.setState("scanning")
	defer r.setState("idle")

	requeued, failed := 0, 0

	expired, err := r.tasks.ListExpired(ctx, start)
	if err != nil {
		r.logger.Error("list expired tasks", slog.String("error", err.Error()))
	} else {
		for _, task := range expired {
			if r.fail(ctx, task, domain.ReasonDeadlineExceeded) {
				failed++
			}
		}
	}

	var stuckIDs []string
	stuck, err := r.tasks.ListStuck(ctx, start.Add(-r.stuckTimeout))
	if err != nil {
		r.logger.Error("list stuck tasks", slog.String("error", err.Error()))
	} else {
		for _, task := range stuck {
			stuckIDs = append(stuckIDs, task.ID)
			if task.Attempts >= task.MaxAttempts {
				if r.fail(ctx, task, domain.ReasonMaxAttemptsExceeded) {
					failed++
				}
				continue
			}
			if r.requeue(ctx, task) {
				requeued++
			}
		}
	}

	elapsed := time.Since(start)
	telemetry.ReaperCycles.Inc()
	telemetry.ReaperCycleDuration.Observe(elapsed.Seconds())

	r.mu.Lock()
	r.report.CyclesTotal++
	r.report.LastCycleAt = &start
	r.report.LastCycleDuration = elapsed.Round(time.Millisecond).String()
	r.report.LastRequeued = requeued
	r.report.LastFailed = failed
	r.report.StuckTaskIDs = stuckIDs
	r.mu.Unlock()

	if requeued > 0 || failed > 0 {
		r.logger.Info("sweep complete",
			slog.Int("requeued", requeued),
			slog.Int("failed", failed),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}
}

// requeue returns an abandoned task to PENDING, charging it one attempt.
// A conflict means the worker resurfaced or another transition won; either
// way the task no longer needs rescue.
func (r *Reaper) requeue(ctx context.Context, task *domain.Task) bool {
	err := r.tasks.UpdateStatus(ctx, task.ID, task.Status, domain.StatusPending, postgres.StatusFields{
		ClearClaim:        true,
		IncrementAttempts: true,
	})
	if err != nil {
		r.logConflict("requeue", task.ID, err)
		return false
	}

	r.logger.Info("task requeued",
		slog.String("task_id", task.ID),
		slog.String("was", string(task.Status)),
		slog.String("worker_id", task.ClaimedBy),
		slog.Int("attempt", task.Attempts+1),
	)
	telemetry.ReaperTasksRequeued.Inc()
	r.announce(ctx, task)
	return true
}

// fail terminally fails a task and emits a failure event for the external
// notifier.
func (r *Reaper) fail(ctx context.Context, task *domain.Task, reason string) bool {
	err := r.tasks.UpdateStatus(ctx, task.ID, task.Status, domain.StatusFailed, postgres.StatusFields{
		ClearClaim:    true,
		FailureReason: reason,
	})
	if err != nil {
		r.logConflict("fail", task.ID, err)
		return false
	}

	r.logger.Warn("task failed by reaper",
		slog.String("task_id", task.ID),
		slog.String("reason", reason),
		slog.Int("attempts", task.Attempts),
	)
	telemetry.ReaperTasksFailed.WithLabelValues(reason).Inc()
	r.publishFailure(ctx, task, reason)
	return true
}

// announce re-publishes the availability hint for a requeued task.
func (r *Reaper) announce(ctx context.Context, task *domain.Task) {
	if r.producer == nil {
		return
	}
	raw, err := json.Marshal(notify.EventForTask(task))
	if err != nil {
		r.logger.Error("marshal hint event", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if err := r.producer.Publish(ctx, kafka.TopicAvailable, task.ID, raw); err != nil {
		r.logger.Warn("publish hint event failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reaper) publishFailure(ctx context.Context, task *domain.Task, reason string) {
	if r.producer == nil {
		return
	}
	raw, err := json.Marshal(notify.FailureEvent{
		TaskID:        task.ID,
		Scope:         task.Scope,
		FailureReason: reason,
		Attempts:      task.Attempts,
		LastClaimedBy: task.ClaimedBy,
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("marshal failure event", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}

	// The failure feed matters more than a hint, so transient broker errors
	// get a few retries before the event is abandoned.
	err = retry.Do(ctx, retry.Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}, func() error {
		return r.producer.Publish(ctx, kafka.TopicFailed, task.ID, raw)
	})
	if err != nil {
		r.logger.Error("publish failure event",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// logConflict separates the expected lost-race case from real errors.
func (r *Reaper) logConflict(op, taskID string, err error) {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		r.logger.Debug("lost transition race, skipping",
			slog.String("op", op),
			slog.String("task_id", taskID),
		)
		return
	}
	r.logger.Error(op+" failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
}

func (r *Reaper) setState(state string) {
	r.mu.Lock()
	r.report.State = state
	r.mu.Unlock()
}
