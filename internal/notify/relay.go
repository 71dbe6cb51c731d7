package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentrelay/relay/internal/domain"
	"github.com/agentrelay/relay/internal/kafka"
	"github.com/agentrelay/relay/internal/routing"
	"github.com/agentrelay/relay/pkg/retry"
	"github.com/agentrelay/relay/pkg/telemetry"
)

// WorkerLookup is the subset of the worker registry the relay needs.
type WorkerLookup interface {
	GetByID(ctx context.Context, workerID string) (*domain.Worker, error)
}

// Presence is the fast-path liveness check.
type Presence interface {
	FilterAlive(ctx context.Context, workerIDs []string) ([]string, error)
}

// RouteMarker flips a task to the advisory ROUTED state. Best effort.
type RouteMarker interface {
	MarkRouted(ctx context.Context, id string) error
}

// Relay consumes tasks.available events and fans hints out to the workers
// connected to this engine instance. Every instance consumes the topic
// with its own group id, so a task created on instance A reaches a worker
// streaming from instance B.
type Relay struct {
	consumer kafka.Consumer
	hub      *Hub
	workers  WorkerLookup
	presence Presence
	marker   RouteMarker
	ttl      time.Duration
	logger   *slog.Logger
}

// NewRelay constructs a Relay. presence may be nil, in which case every
// connected worker is assumed live (the registry lookup still filters).
func NewRelay(
	consumer kafka.Consumer,
	hub *Hub,
	workers WorkerLookup,
	presence Presence,
	marker RouteMarker,
	livenessTTL time.Duration,
	logger *slog.Logger,
) *Relay {
	return &Relay{
		consumer: consumer,
		hub:      hub,
		workers:  workers,
		presence: presence,
		marker:   marker,
		ttl:      livenessTTL,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff on broker
// errors. Hints lost during an outage are never replayed; polling covers
// the gap.
func (r *Relay) Run(ctx context.Context) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		OnRetry: func(attempt int, err error) {
			r.logger.Warn("hint consumer disconnected, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		return r.consumer.Subscribe(ctx, r.handle)
	})
}

// handle fans one event out. Always returns nil: a hint that cannot be
// delivered is dropped, never re-queued.
func (r *Relay) handle(ctx context.Context, msg kafka.Message) error {
	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		r.logger.Error("malformed hint event, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}

	connected := r.hub.Connected()
	if len(connected) == 0 {
		return nil
	}

	candidates := connected
	if r.presence != nil {
		live, err := r.presence.FilterAlive(ctx, connected)
		if err != nil {
			// Presence is an optimization; fall back to all connected.
			r.logger.Warn("presence filter failed", slog.String("error", err.Error()))
		} else {
			candidates = live
		}
	}

	task := evt.RoutingTask()
	now := time.Now().UTC()
	sent := 0
	for _, id := range candidates {
		worker, err := r.workers.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if !worker.IsLive(now, r.ttl) || !routing.Eligible(task, worker, now) {
			continue
		}
		if r.hub.Send(id, evt.Hint()) {
			sent++
			telemetry.NotifyHintsSent.WithLabelValues(evt.Scope).Inc()
		} else {
			telemetry.NotifyHintsDropped.Inc()
		}
	}

	if sent > 0 && r.marker != nil {
		// Advisory status flip; failure is irrelevant.
		if err := r.marker.MarkRouted(ctx, evt.TaskID); err != nil {
			r.logger.Debug("mark routed failed", slog.String("task_id", evt.TaskID), slog.String("error", err.Error()))
		}
	}

	r.logger.Debug("hint fanned out",
		slog.String("task_id", evt.TaskID),
		slog.String("scope", evt.Scope),
		slog.Int("delivered", sent),
	)
	return nil
}
