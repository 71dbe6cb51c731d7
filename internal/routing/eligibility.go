// Package routing holds the pure eligibility rules that decide whether a
// worker may serve a task. The same rules are evaluated in two places: by
// the notification fan-out to decide who to nudge (advisory, best-effort)
// and inside the claim transaction's SQL predicate (authoritative). The
// two may disagree transiently, e.g. when a worker deregisters a codebase
// between notify and claim; the claim-time evaluation always wins.
package routing

import (
	"time"

	"github.com/agentrelay/relay/internal/domain"
)

// Eligible reports whether worker may claim task at instant now.
//
// All checks must pass:
//  1. the task's deadline, if any, has not elapsed;
//  2. if the task names a target agent, the worker's role matches exactly;
//  3. the task's scope admits the worker;
//  4. the worker's capability set is a superset of the task's requirements.
func Eligible(task *domain.Task, worker *domain.Worker, now time.Time) bool {
	if task.DeadlinePassed(now) {
		return false
	}
	if task.TargetAgentName != "" && worker.Role != task.TargetAgentName {
		return false
	}
	if !scopeAdmits(task.Scope, worker) {
		return false
	}
	return worker.HasCapabilities(task.RequiredCapabilities)
}

func scopeAdmits(scope string, worker *domain.Worker) bool {
	switch scope {
	case domain.ScopeGlobal, domain.ScopePendingRegistration:
		return true
	}
	codebase, ok := domain.CodebaseFromScope(scope)
	if !ok {
		return false
	}
	return worker.OwnsCodebase(codebase)
}
