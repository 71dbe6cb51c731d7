package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentrelay/relay/internal/notify"
	"github.com/agentrelay/relay/pkg/telemetry"
	"github.com/agentrelay/relay/services/engine"
)

// Stream serves the per-worker hint stream over SSE. Hints are advisory:
// a dropped or missed event costs nothing but latency, because workers
// still poll claim-next.
type Stream struct {
	engine    *engine.Engine
	hub       *notify.Hub
	keepalive time.Duration
	logger    *slog.Logger
}

// NewStream creates the SSE handler. keepalive should be well under the
// worker liveness TTL so an open stream keeps its worker live.
func NewStream(eng *engine.Engine, hub *notify.Hub, keepalive time.Duration, logger *slog.Logger) *Stream {
	return &Stream{engine: eng, hub: hub, keepalive: keepalive, logger: logger}
}

// ServeHTTP handles GET /api/v1/workers/{id}/stream.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")

	// Unregistered workers get no stream.
	if _, err := s.engine.GetWorker(r.Context(), workerID); err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Opening the stream counts as a heartbeat.
	if err := s.engine.WorkerHeartbeat(r.Context(), workerID); err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}

	hints, cancel := s.hub.Subscribe(workerID)
	defer cancel()

	telemetry.NotifyStreamsConnected.Inc()
	defer telemetry.NotifyStreamsConnected.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Info("hint stream opened", slog.String("worker_id", workerID))
	defer s.logger.Info("hint stream closed", slog.String("worker_id", workerID))

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case hint, open := <-hints:
			if !open {
				// Replaced by a reconnect on this or another instance.
				return
			}
			raw, err := json.Marshal(hint)
			if err != nil {
				s.logger.Error("marshal hint", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: task_available\ndata: %s\n\n", raw)
			flusher.Flush()

		case <-ticker.C:
			// An open stream keeps the worker live without explicit
			// heartbeat calls.
			if err := s.engine.WorkerHeartbeat(r.Context(), workerID); err != nil {
				s.logger.Debug("stream heartbeat failed",
					slog.String("worker_id", workerID),
					slog.String("error", err.Error()),
				)
			}
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
