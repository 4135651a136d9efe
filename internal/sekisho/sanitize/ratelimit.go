package sanitize

import "time"

// CheckRateLimit applies a per-key sliding-window limit: timestamps older
// than window are pruned, and the call is allowed only while fewer than
// max remain. A rejected call counts as a blocked attempt.
//
// Keys are caller-chosen, typically "<operation>:<token prefix>", so the
// same Sanitizer can throttle independent operations independently.
func (s *Sanitizer) CheckRateLimit(key string, max int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	existing := s.calls[key]
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= max {
		s.calls[key] = valid
		s.blocked++
		return false
	}

	s.calls[key] = append(valid, now)
	return true
}

// PruneIdle drops rate-limit keys whose every timestamp is older than
// window, returning the number of keys removed. Called periodically so
// one-shot keys do not accumulate forever.
func (s *Sanitizer) PruneIdle(window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	removed := 0
	for key, stamps := range s.calls {
		live := false
		for _, t := range stamps {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(s.calls, key)
			removed++
		}
	}
	return removed
}
