package domain

import "time"

// Worker is the registration record for a single worker process instance.
// Multiple instances may share a Role; WorkerID is unique per instance.
type Worker struct {
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role"`
	OwnedCodebases  []string  `json:"owned_codebases"`
	Capabilities    []string  `json:"capabilities"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// IsLive reports whether the worker heartbeated within ttl of now.
// Liveness is always computed lazily from the last heartbeat; there is no
// eviction process that could race an in-flight claim.
func (w *Worker) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LastHeartbeatAt) < ttl
}

// OwnsCodebase reports whether codebaseID is in the worker's registered set.
// An empty set owns nothing, never implicitly "all".
func (w *Worker) OwnsCodebase(codebaseID string) bool {
	for _, c := range w.OwnedCodebases {
		if c == codebaseID {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the worker's declared capability set is a
// superset of required.
func (w *Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	declared := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		declared[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := declared[r]; !ok {
			return false
		}
	}
	return true
}
