package domain_test

import (
	"testing"
	"time"

	"github.com/agentrelay/relay/internal/domain"
)

func TestWorkerIsLive(t *testing.T) {
	now := time.Now().UTC()
	ttl := 30 * time.Second

	w := &domain.Worker{LastHeartbeatAt: now.Add(-10 * time.Second)}
	if !w.IsLive(now, ttl) {
		t.Error("worker heartbeating within TTL should be live")
	}

	w.LastHeartbeatAt = now.Add(-31 * time.Second)
	if w.IsLive(now, ttl) {
		t.Error("worker silent past TTL should be absent")
	}
}

func TestOwnsCodebase(t *testing.T) {
	w := &domain.Worker{OwnedCodebases: []string{"repo1", "repo2"}}
	if !w.OwnsCodebase("repo1") {
		t.Error("registered codebase not recognised")
	}
	if w.OwnsCodebase("repo3") {
		t.Error("unregistered codebase reported as owned")
	}

	// Empty set owns nothing, never implicitly "all".
	empty := &domain.Worker{}
	if empty.OwnsCodebase("repo1") {
		t.Error("empty owned set must own nothing")
	}
}

func TestHasCapabilities(t *testing.T) {
	w := &domain.Worker{Capabilities: []string{"shell", "git", "editor"}}

	if !w.HasCapabilities(nil) {
		t.Error("no required capabilities should always pass")
	}
	if !w.HasCapabilities([]string{"git", "shell"}) {
		t.Error("declared superset should pass")
	}
	if w.HasCapabilities([]string{"git", "browser"}) {
		t.Error("missing capability should fail")
	}

	none := &domain.Worker{}
	if none.HasCapabilities([]string{"shell"}) {
		t.Error("worker with no capabilities cannot satisfy requirements")
	}
}
