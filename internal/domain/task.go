package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRouted    Status = "ROUTED" // advisory only, set by the fan-out layer
	StatusClaimed   Status = "CLAIMED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Failure reasons recorded in Task.FailureReason when the engine itself
// terminally fails a task.
const (
	ReasonDeadlineExceeded    = "deadline_exceeded"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
)

// Scope constants. A scope is either one of these two literals or a
// codebase scope of the form "codebase:<id>".
const (
	ScopeGlobal              = "global"
	ScopePendingRegistration = "pending-registration"

	codebasePrefix = "codebase:"
)

// CodebaseScope builds the scope string for a specific codebase.
func CodebaseScope(codebaseID string) string {
	return codebasePrefix + codebaseID
}

// CodebaseFromScope returns the codebase id embedded in a codebase scope,
// or "" and false for global/pending-registration scopes.
func CodebaseFromScope(scope string) (string, bool) {
	if !strings.HasPrefix(scope, codebasePrefix) {
		return "", false
	}
	return strings.TrimPrefix(scope, codebasePrefix), true
}

// ValidScope reports whether s is a scope this engine understands.
func ValidScope(s string) bool {
	if s == ScopeGlobal || s == ScopePendingRegistration {
		return true
	}
	id, ok := CodebaseFromScope(s)
	return ok && id != ""
}

// Task is the core domain entity: a unit of work awaiting assignment to
// exactly one worker. The Postgres row is the single source of truth for
// every field here.
type Task struct {
	ID                   string          `json:"id"`
	Status               Status          `json:"status"`
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

// DeadlinePassed reports whether the task carries a deadline that now is past.
func (t *Task) DeadlinePassed(now time.Time) bool {
	return t.DeadlineAt != nil && now.After(*t.DeadlineAt)
}
