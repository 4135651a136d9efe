// Package audit provides the append-only security audit trail.
//
// Every security-relevant decision (token issuance, revocation,
// authentication results, permission changes, suspicious activity) is
// recorded as one plain-text line in auth/audit/security_audit.log:
//
//	2025-01-02 15:04:05 - WARNING - AUTH_FAILURE - Agent: alice, Reason: expired
//
// The trail is write-only from the subsystem's point of view: nothing in
// the auth or handoff paths ever reads it back, so a damaged or truncated
// log can never affect authorization decisions. Operators tail the file
// directly (or via `sekisho audit`).
//
// When the context carries a trace ID a trailing `Trace: <id>` field ties
// the line to the structured slog output for the same request.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Sekisho/common/trace"
)

// Level classifies the severity of an audit event.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
)

// Event is a machine-readable audit event category.
type Event string

const (
	EventTokenCreated       Event = "TOKEN_CREATED"
	EventTokenRevoked       Event = "TOKEN_REVOKED"
	EventAuthSuccess        Event = "AUTH_SUCCESS"
	EventAuthFailure        Event = "AUTH_FAILURE"
	EventPermissionChange   Event = "PERMISSION_CHANGE"
	EventSuspiciousActivity Event = "SUSPICIOUS_ACTIVITY"
)

// Field is one Key: value pair appended to an audit line. Order is
// preserved exactly as passed to Write.
type Field struct {
	Key   string
	Value string
}

// F builds a Field, rendering the value with fmt.Sprint.
func F(key string, value any) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Log appends audit lines to a single file. It is safe for concurrent use;
// a mutex plus one Write call per event keeps lines from interleaving.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates (or opens for append) the audit log at path, creating the
// parent directory as needed. The file is opened once and held for the
// lifetime of the Log.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Path returns the location of the underlying log file.
func (l *Log) Path() string { return l.path }

// Write appends one audit line. The agent ID is always recorded; extra
// fields follow in the order given. A trace ID found on ctx is appended
// as a final Trace field.
func (l *Log) Write(ctx context.Context, level Level, event Event, agentID string, fields ...Field) error {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02 15:04:05"))
	b.WriteString(" - ")
	b.WriteString(string(level))
	b.WriteString(" - ")
	b.WriteString(string(event))
	b.WriteString(" - Agent: ")
	b.WriteString(agentID)
	for _, f := range fields {
		b.WriteString(", ")
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	if tid := trace.FromContext(ctx); tid != "" {
		b.WriteString(", Trace: ")
		b.WriteString(tid)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(b.String()); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
