package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// lockoutTable is the in-memory failed-attempt map: agent ID → failure
// timestamps inside the current window. It is the authority on the hot
// path; the SQLite ledger shadows it for restart survival.
type lockoutTable struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	failed map[string][]time.Time
}

func newLockoutTable(max int, window time.Duration) *lockoutTable {
	return &lockoutTable{
		max:    max,
		window: window,
		failed: make(map[string][]time.Time),
	}
}

// record appends a failure at now, pruning entries that have left the
// window.
func (t *lockoutTable) record(agentID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	existing := t.failed[agentID]
	valid := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	t.failed[agentID] = append(valid, now)
}

// lockedAt reports whether agentID has reached the failure threshold as of
// now.
func (t *lockoutTable) lockedAt(agentID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	count := 0
	for _, ts := range t.failed[agentID] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count >= t.max
}

// prune drops all failures recorded before cutoff, removing empty agents.
func (t *lockoutTable) prune(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for agentID, stamps := range t.failed {
		valid := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				valid = append(valid, ts)
			}
		}
		if len(valid) == 0 {
			delete(t.failed, agentID)
			continue
		}
		t.failed[agentID] = valid
	}
}

// recordFailedAttempt notes an authorization failure in memory and, when a
// ledger is attached, durably. Ledger errors degrade to warnings; the
// in-memory table already holds the failure.
func (m *Manager) recordFailedAttempt(ctx context.Context, agentID string) {
	now := m.clk.Now().UTC()
	m.lockouts.record(agentID, now)

	if m.ledger != nil {
		if err := m.ledger.RecordFailure(ctx, agentID, now); err != nil {
			slog.Warn("lockout ledger write failed", "agent", agentID, "err", err)
		}
	}
}

// isLockedOut consults memory first, then the ledger. The two hold the
// same events (every failure is written to both), so either reaching the
// threshold suffices; counts are never summed.
func (m *Manager) isLockedOut(ctx context.Context, agentID string) bool {
	now := m.clk.Now().UTC()
	if m.lockouts.lockedAt(agentID, now) {
		return true
	}

	if m.ledger != nil {
		n, err := m.ledger.CountSince(ctx, agentID, now.Add(-m.cfg.LockoutDuration))
		if err != nil {
			slog.Warn("lockout ledger read failed", "agent", agentID, "err", err)
			return false
		}
		return n >= m.cfg.MaxFailedAttempts
	}
	return false
}
