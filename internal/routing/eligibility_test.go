package routing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentrelay/relay/internal/domain"
	"github.com/agentrelay/relay/internal/routing"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func worker(mod func(*domain.Worker)) *domain.Worker {
	w := &domain.Worker{
		WorkerID:       "w-1",
		Role:           "builder",
		OwnedCodebases: []string{"repo1"},
		Capabilities:   []string{"shell", "git"},
	}
	if mod != nil {
		mod(w)
	}
	return w
}

func task(mod func(*domain.Task)) *domain.Task {
	tk := &domain.Task{
		ID:     "t-1",
		Status: domain.StatusPending,
		Scope:  domain.ScopeGlobal,
	}
	if mod != nil {
		mod(tk)
	}
	return tk
}

func TestEligible_GlobalScope(t *testing.T) {
	assert.True(t, routing.Eligible(task(nil), worker(nil), now))

	// Global scope admits workers with no codebases at all.
	bare := worker(func(w *domain.Worker) { w.OwnedCodebases = nil })
	assert.True(t, routing.Eligible(task(nil), bare, now))
}

func TestEligible_PendingRegistrationScope(t *testing.T) {
	tk := task(func(tk *domain.Task) { tk.Scope = domain.ScopePendingRegistration })
	bare := worker(func(w *domain.Worker) { w.OwnedCodebases = nil })
	assert.True(t, routing.Eligible(tk, bare, now),
		"pending-registration must admit brand-new workers")
}

func TestEligible_CodebaseScope(t *testing.T) {
	tk := task(func(tk *domain.Task) { tk.Scope = domain.CodebaseScope("repo1") })
	assert.True(t, routing.Eligible(tk, worker(nil), now))

	other := task(func(tk *domain.Task) { tk.Scope = domain.CodebaseScope("repo2") })
	assert.False(t, routing.Eligible(other, worker(nil), now))

	// A worker with an empty owned set is never eligible for any codebase scope.
	bare := worker(func(w *domain.Worker) { w.OwnedCodebases = []string{} })
	assert.False(t, routing.Eligible(tk, bare, now))
}

func TestEligible_TargetAgentName(t *testing.T) {
	tk := task(func(tk *domain.Task) { tk.TargetAgentName = "builder" })
	assert.True(t, routing.Eligible(tk, worker(nil), now))

	reviewer := worker(func(w *domain.Worker) { w.Role = "reviewer" })
	assert.False(t, routing.Eligible(tk, reviewer, now))
}

func TestEligible_TargetAgentName_ScopeStillApplies(t *testing.T) {
	// Matching role is not enough: scope and capability checks still run.
	tk := task(func(tk *domain.Task) {
		tk.TargetAgentName = "builder"
		tk.Scope = domain.CodebaseScope("repo9")
	})
	assert.False(t, routing.Eligible(tk, worker(nil), now))
}

func TestEligible_Capabilities(t *testing.T) {
	tk := task(func(tk *domain.Task) { tk.RequiredCapabilities = []string{"git"} })
	assert.True(t, routing.Eligible(tk, worker(nil), now))

	tk = task(func(tk *domain.Task) { tk.RequiredCapabilities = []string{"git", "browser"} })
	assert.False(t, routing.Eligible(tk, worker(nil), now),
		"required capabilities must be a subset of declared")
}

func TestEligible_DeadlinePassed(t *testing.T) {
	past := now.Add(-time.Second)
	tk := task(func(tk *domain.Task) { tk.DeadlineAt = &past })
	assert.False(t, routing.Eligible(tk, worker(nil), now))

	future := now.Add(time.Hour)
	tk = task(func(tk *domain.Task) { tk.DeadlineAt = &future })
	assert.True(t, routing.Eligible(tk, worker(nil), now))
}

func TestEligible_UnknownScope(t *testing.T) {
	tk := task(func(tk *domain.Task) { tk.Scope = "cluster:west" })
	assert.False(t, routing.Eligible(tk, worker(nil), now))
}
