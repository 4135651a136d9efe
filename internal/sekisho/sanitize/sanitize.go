// Package sanitize provides defense-in-depth input cleaning for everything
// that crosses an agent boundary: agent names, JSON payloads, markdown
// instructions, filenames, and URLs embedded in markdown links.
//
// # Threat model
//
// Agents are semi-trusted: a compromised or misbehaving agent may submit
// payloads crafted to break out of the workspace (path traversal, null
// bytes), attack log viewers and dashboards (script injection in markdown),
// or exhaust the process (deeply nested JSON, oversized strings). Every
// sanitizer here is written to fail closed: content that cannot be made
// safe is rejected or replaced, never passed through.
//
// All functions share three statistics counters (total sanitizations,
// blocked attempts, modified inputs) and one sliding-window rate-limit
// map, guarded by a single mutex.
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxAgentNameLength bounds sanitized agent identifiers.
	MaxAgentNameLength = 64
	// MaxPayloadBytes bounds the serialized size of a JSON payload.
	MaxPayloadBytes = 10 * 1024 * 1024
	// MaxStringLength bounds any single string value.
	MaxStringLength = 100000
	// MaxURLLength bounds URLs embedded in markdown links.
	MaxURLLength = 2048
	// MaxKeyLength bounds JSON object keys.
	MaxKeyLength = 256
	// MaxDepth is the default nesting limit for JSON payloads. A chain of
	// MaxDepth containers passes; one more fails.
	MaxDepth = 10
)

var (
	ErrInvalidInput    = errors.New("sanitize: invalid input")
	ErrPayloadTooLarge = errors.New("sanitize: payload too large")
	ErrDepthExceeded   = errors.New("sanitize: nesting depth exceeded")
)

// agentNamePattern is what a sanitized agent name must match. The stripping
// pass guarantees it; the final check keeps the guarantee explicit.
var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Stats is a point-in-time snapshot of the sanitizer counters.
type Stats struct {
	TotalSanitizations int64 `json:"total_sanitizations"`
	BlockedAttempts    int64 `json:"blocked_attempts"`
	ModifiedInputs     int64 `json:"modified_inputs"`
}

// Sanitizer cleans untrusted agent input. The zero value is not usable;
// construct with New.
type Sanitizer struct {
	mu       sync.Mutex
	total    int64
	blocked  int64
	modified int64
	calls    map[string][]time.Time // rate-limit key → timestamps in window

	htmlPolicy *bluemonday.Policy
}

// New returns a ready Sanitizer.
func New() *Sanitizer {
	return &Sanitizer{
		calls:      make(map[string][]time.Time),
		htmlPolicy: bluemonday.UGCPolicy(),
	}
}

// AgentName normalizes an agent identifier: surrounding whitespace is
// trimmed, the name is truncated to MaxAgentNameLength, and every character
// outside [A-Za-z0-9_-] is dropped. An empty result becomes
// "unknown_agent".
func (s *Sanitizer) AgentName(name string) (string, error) {
	s.bump(&s.total)

	cleaned := strings.TrimSpace(name)
	cleaned, _ = truncateRunes(cleaned, MaxAgentNameLength)
	var b strings.Builder
	for _, r := range cleaned {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned = b.String()
	if cleaned == "" {
		cleaned = "unknown_agent"
	}

	if !agentNamePattern.MatchString(cleaned) {
		s.bump(&s.blocked)
		return "", fmt.Errorf("agent name %q: %w", name, ErrInvalidInput)
	}
	if cleaned != name {
		s.bump(&s.modified)
	}
	return cleaned, nil
}

// JSON sanitizes an arbitrary JSON-serializable payload with the default
// nesting limit.
func (s *Sanitizer) JSON(v any) (any, error) {
	return s.JSONDepth(v, MaxDepth)
}

// JSONDepth sanitizes a payload, rejecting anything serialized larger than
// MaxPayloadBytes or nested deeper than maxDepth containers. Object keys
// are capped at MaxKeyLength; string values lose control bytes and are
// capped at MaxStringLength; numbers, booleans, and null pass through.
// The returned value is a fresh decoded tree, never the input.
func (s *Sanitizer) JSONDepth(v any, maxDepth int) (any, error) {
	s.bump(&s.total)

	data, err := json.Marshal(v)
	if err != nil {
		s.bump(&s.blocked)
		return nil, fmt.Errorf("%w: not JSON-serializable: %v", ErrInvalidInput, err)
	}
	if len(data) > MaxPayloadBytes {
		s.bump(&s.blocked)
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.bump(&s.blocked)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	changed := false
	out, err := walkJSON(decoded, 1, maxDepth, &changed)
	if err != nil {
		s.bump(&s.blocked)
		return nil, err
	}
	if changed {
		s.bump(&s.modified)
	}
	return out, nil
}

// walkJSON descends the decoded tree. Containers consume depth; scalars do
// not. depth starts at 1 for the outermost container.
func walkJSON(v any, depth, maxDepth int, changed *bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if depth > maxDepth {
			return nil, fmt.Errorf("%w: depth %d", ErrDepthExceeded, depth)
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			key, truncated := truncateRunes(k, MaxKeyLength)
			if truncated {
				*changed = true
			}
			cleaned, err := walkJSON(elem, depth+1, maxDepth, changed)
			if err != nil {
				return nil, err
			}
			out[key] = cleaned
		}
		return out, nil
	case []any:
		if depth > maxDepth {
			return nil, fmt.Errorf("%w: depth %d", ErrDepthExceeded, depth)
		}
		out := make([]any, len(val))
		for i, elem := range val {
			cleaned, err := walkJSON(elem, depth+1, maxDepth, changed)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	case string:
		stripped, modified := stripControl(val)
		truncatedStr, truncated := truncateRunes(stripped, MaxStringLength)
		if modified || truncated {
			*changed = true
		}
		return truncatedStr, nil
	default:
		// Numbers, booleans, null.
		return v, nil
	}
}

// Stats returns a snapshot of the counters.
func (s *Sanitizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalSanitizations: s.total,
		BlockedAttempts:    s.blocked,
		ModifiedInputs:     s.modified,
	}
}

func (s *Sanitizer) bump(counter *int64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

// ── shared helpers ──────────────────────────────────────────────────────────

// stripControl removes C0/C1 control bytes (0x00–0x08, 0x0B–0x0C,
// 0x0E–0x1F, 0x7F). Tab, newline, and carriage return survive.
func stripControl(s string) (string, bool) {
	if !strings.ContainsFunc(s, isControl) {
		return s, false
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), true
}

func isControl(r rune) bool {
	switch {
	case r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// truncateRunes caps s at max runes, never splitting a UTF-8 sequence.
func truncateRunes(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}
