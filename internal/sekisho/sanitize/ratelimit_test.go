package sanitize_test

import (
	"testing"
	"time"

	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
)

func TestCheckRateLimit_AllowsUpToLimit(t *testing.T) {
	s := sanitize.New()

	const limit = 5
	for i := 0; i < limit; i++ {
		if !s.CheckRateLimit("create_handoff:abc12345", limit, time.Minute) {
			t.Fatalf("call %d/%d rejected, expected allowed", i+1, limit)
		}
	}
	if s.CheckRateLimit("create_handoff:abc12345", limit, time.Minute) {
		t.Error("call over limit allowed, expected rejected")
	}
}

func TestCheckRateLimit_IndependentKeys(t *testing.T) {
	s := sanitize.New()

	const limit = 2
	s.CheckRateLimit("create_handoff:aaaa", limit, time.Minute)
	s.CheckRateLimit("create_handoff:aaaa", limit, time.Minute)
	if s.CheckRateLimit("create_handoff:aaaa", limit, time.Minute) {
		t.Error("first key should be exhausted")
	}

	if !s.CheckRateLimit("read_handoff:aaaa", limit, time.Minute) {
		t.Error("different operation on same agent should have its own budget")
	}
	if !s.CheckRateLimit("create_handoff:bbbb", limit, time.Minute) {
		t.Error("different agent should have its own budget")
	}
}

func TestCheckRateLimit_WindowExpiry(t *testing.T) {
	s := sanitize.New()

	window := 50 * time.Millisecond
	if !s.CheckRateLimit("k", 1, window) {
		t.Fatal("first call should be allowed")
	}
	if s.CheckRateLimit("k", 1, window) {
		t.Fatal("second call within window should be rejected")
	}

	time.Sleep(window + 10*time.Millisecond)

	if !s.CheckRateLimit("k", 1, window) {
		t.Error("call after window expiry should be allowed again")
	}
}

func TestCheckRateLimit_RejectionCountsAsBlocked(t *testing.T) {
	s := sanitize.New()

	s.CheckRateLimit("k", 1, time.Minute)
	before := s.Stats().BlockedAttempts
	s.CheckRateLimit("k", 1, time.Minute)
	if got := s.Stats().BlockedAttempts; got != before+1 {
		t.Errorf("blocked = %d, want %d", got, before+1)
	}
}

func TestPruneIdle(t *testing.T) {
	s := sanitize.New()

	window := 30 * time.Millisecond
	s.CheckRateLimit("stale", 10, window)
	time.Sleep(window + 10*time.Millisecond)
	s.CheckRateLimit("live", 10, time.Minute)

	removed := s.PruneIdle(window)
	if removed != 1 {
		t.Errorf("removed = %d, want 1 (only the stale key)", removed)
	}

	// The live key keeps its history.
	for i := 0; i < 9; i++ {
		s.CheckRateLimit("live", 10, time.Minute)
	}
	if s.CheckRateLimit("live", 10, time.Minute) {
		t.Error("live key lost its call history to PruneIdle")
	}
}
