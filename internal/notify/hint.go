// Package notify implements the advisory notification fan-out: lightweight
// "a task you might be eligible for now exists" hints pushed to connected
// workers. Delivery is fire-and-forget: at-least-once, unordered, possibly
// duplicated, possibly never. Correctness never depends on it; a worker
// that misses every hint still discovers work by polling claim-next.
package notify

import (
	"time"

	"github.com/agentrelay/relay/internal/domain"
)

// Hint is the only payload a worker ever receives on its stream: the task
// id and scope, never the task payload.
type Hint struct {
	TaskID string `json:"task_id"`
	Scope  string `json:"scope"`
}

// Event is the wire form exchanged between engine instances on the
// tasks.available topic. It additionally carries the routing fields so each
// instance can run the eligibility check against its own connected workers
// without a task-store read per hint.
type Event struct {
	TaskID               string     `json:"task_id"`
	Scope                string     `json:"scope"`
	TargetAgentName      string     `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty"`
}

// EventForTask builds the hint event for a claimable task.
func EventForTask(task *domain.Task) Event {
	return Event{
		TaskID:               task.ID,
		Scope:                task.Scope,
		TargetAgentName:      task.TargetAgentName,
		RequiredCapabilities: task.RequiredCapabilities,
		DeadlineAt:           task.DeadlineAt,
	}
}

// Hint reduces the event to the worker-visible form.
func (e Event) Hint() Hint {
	return Hint{TaskID: e.TaskID, Scope: e.Scope}
}

// FailureEvent is published on the tasks.failed topic when a task reaches
// FAILED, feeding external alerting without polling the store.
type FailureEvent struct {
	TaskID        string    `json:"task_id"`
	Scope         string    `json:"scope"`
	FailureReason string    `json:"failure_reason"`
	Attempts      int       `json:"attempts"`
	LastClaimedBy string    `json:"last_claimed_by,omitempty"`
	FailedAt      time.Time `json:"failed_at"`
}

// RoutingTask reconstructs just enough of a Task for routing.Eligible.
func (e Event) RoutingTask() *domain.Task {
	return &domain.Task{
		ID:                   e.TaskID,
		Scope:                e.Scope,
		TargetAgentName:      e.TargetAgentName,
		RequiredCapabilities: e.RequiredCapabilities,
		DeadlineAt:           e.DeadlineAt,
	}
}
