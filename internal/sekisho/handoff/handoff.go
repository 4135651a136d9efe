// Package handoff implements the file-backed handoff channel between
// agents: structured work transfers written as JSON records with a
// rendered markdown view next to them.
//
// Every record lives under <workspace>/communication/handoffs/ and every
// path is re-validated before use, so neither a hostile handoff id nor a
// symlink planted in the tree can move an access outside the workspace.
// Inputs pass through the shared sanitizer before they touch disk.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Sekisho/common/redact"
	"github.com/bdobrica/Sekisho/internal/sekisho/observability"
	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
	"github.com/bdobrica/Sekisho/internal/sekisho/token"
)

var (
	// ErrNotAuthorized covers both a token that fails authentication and a
	// valid token without the needed permission. Callers get no more detail
	// than that.
	ErrNotAuthorized = errors.New("handoff: not authorized")

	// ErrRateLimited marks a refusal that is safe to retry after backoff.
	ErrRateLimited = errors.New("handoff: rate limit exceeded")

	// ErrUnsafePath marks a path that failed the safety checks.
	ErrUnsafePath = errors.New("handoff: unsafe path")
)

// StatusPending is the status every new handoff starts in. Records are
// immutable once written, so it is currently also the only status.
const StatusPending = "pending"

// Record is the durable form of one handoff, stored as {id}.json.
type Record struct {
	HandoffID    string `json:"handoff_id"`
	FromAgent    string `json:"from_agent"`
	ToAgent      string `json:"to_agent"`
	HandoffType  string `json:"handoff_type"`
	Data         any    `json:"data"`
	Instructions string `json:"instructions"`
	Timestamp    string `json:"timestamp"`
	Status       string `json:"status"`
}

// Authorizer is the slice of the auth manager the store needs. Keeping it
// an interface here breaks the construction cycle between the two and lets
// tests substitute a canned decision.
type Authorizer interface {
	Authenticate(ctx context.Context, tokenStr string) (*token.AgentToken, error)
	Authorize(ctx context.Context, tok *token.AgentToken, perm token.Permission, resource string) bool
}

// Options tunes the per-token rate limits. Zero values mean the defaults.
type Options struct {
	// CreateRateLimit caps Create calls per token per minute (default 50).
	CreateRateLimit int
	// ReadRateLimit caps Read calls per token per minute (default 100).
	ReadRateLimit int
}

// Store reads and writes handoff records inside one workspace.
type Store struct {
	workspace string // absolute, cleaned
	resolved  string // workspace with symlinks resolved
	dir       string // <workspace>/communication/handoffs
	schemaDir string // <workspace>/auth/schemas

	authz       Authorizer
	sanitizer   *sanitize.Sanitizer
	createLimit int
	readLimit   int

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewStore opens the handoff store for workspace, creating the handoffs
// directory if needed. A nil authz disables the permission checks (a
// workspace with auth turned off); sanitization, rate limits, and path
// safety still apply.
func NewStore(workspace string, authz Authorizer, sanitizer *sanitize.Sanitizer, opts Options) (*Store, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("handoff: resolve workspace %q: %w", workspace, err)
	}
	abs = filepath.Clean(abs)

	dir := filepath.Join(abs, "communication", "handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("handoff: create %s: %w", dir, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("handoff: resolve workspace %q: %w", workspace, err)
	}

	if opts.CreateRateLimit <= 0 {
		opts.CreateRateLimit = 50
	}
	if opts.ReadRateLimit <= 0 {
		opts.ReadRateLimit = 100
	}

	return &Store{
		workspace:   abs,
		resolved:    resolved,
		dir:         dir,
		schemaDir:   filepath.Join(abs, "auth", "schemas"),
		authz:       authz,
		sanitizer:   sanitizer,
		createLimit: opts.CreateRateLimit,
		readLimit:   opts.ReadRateLimit,
		schemas:     make(map[string]*jsonschema.Schema),
	}, nil
}

// Create sanitizes and stores one handoff, returning its id. The caller's
// token must carry CREATE_HANDOFF. Both the JSON record and the markdown
// view are written; if the second write fails the first is removed so no
// half-written handoff survives.
func (s *Store) Create(ctx context.Context, from, to, handoffType string, data any, instructions, tokenStr string) (string, error) {
	if err := s.authorize(ctx, tokenStr, token.PermissionCreateHandoff, "create_handoff"); err != nil {
		return "", err
	}
	if !s.sanitizer.CheckRateLimit("create_handoff:"+redact.TokenPrefix(tokenStr), s.createLimit, time.Minute) {
		return "", fmt.Errorf("%w: create_handoff", ErrRateLimited)
	}

	fromClean, err := s.sanitizer.AgentName(from)
	if err != nil {
		return "", fmt.Errorf("handoff: from_agent: %w", err)
	}
	toClean, err := s.sanitizer.AgentName(to)
	if err != nil {
		return "", fmt.Errorf("handoff: to_agent: %w", err)
	}
	typeClean, err := s.sanitizer.AgentName(handoffType)
	if err != nil {
		return "", fmt.Errorf("handoff: handoff_type: %w", err)
	}
	dataClean, err := s.sanitizer.JSON(data)
	if err != nil {
		return "", fmt.Errorf("handoff: data: %w", err)
	}
	instructionsClean := s.sanitizer.Markdown(instructions, false)

	if err := s.validateData(typeClean, dataClean); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	id := s.sanitizer.Filename(handoffID(fromClean, toClean, now))

	jsonPath, err := s.validatePath(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return "", err
	}
	mdPath, err := s.validatePath(filepath.Join(s.dir, id+".md"))
	if err != nil {
		return "", err
	}

	rec := &Record{
		HandoffID:    id,
		FromAgent:    fromClean,
		ToAgent:      toClean,
		HandoffType:  typeClean,
		Data:         dataClean,
		Instructions: instructionsClean,
		Timestamp:    now.Format(time.RFC3339),
		Status:       StatusPending,
	}
	blob, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("handoff: marshal record: %w", err)
	}

	if err := writeFileAtomic(jsonPath, blob, 0o644); err != nil {
		return "", fmt.Errorf("handoff: write record: %w", err)
	}
	if err := writeFileAtomic(mdPath, []byte(renderMarkdown(rec)), 0o644); err != nil {
		os.Remove(jsonPath)
		return "", fmt.Errorf("handoff: write rendered view: %w", err)
	}

	observability.WithTrace(ctx).Info("handoff created",
		"id", id, "from", fromClean, "to", toClean, "type", typeClean)
	return id, nil
}

// Read returns the record for id, or nil when the id fails validation or
// no such handoff exists. The caller's token must carry READ_HANDOFF.
func (s *Store) Read(ctx context.Context, id, tokenStr string) (*Record, error) {
	if err := s.authorize(ctx, tokenStr, token.PermissionReadHandoff, "read_handoff"); err != nil {
		return nil, err
	}
	if !s.sanitizer.CheckRateLimit("read_handoff:"+redact.TokenPrefix(tokenStr), s.readLimit, time.Minute) {
		return nil, fmt.Errorf("%w: read_handoff", ErrRateLimited)
	}

	cleaned := s.sanitizer.Filename(id)
	path, err := s.validatePath(filepath.Join(s.dir, cleaned+".json"))
	if err != nil {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: read %s: %w", cleaned, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		observability.WithTrace(ctx).Error("corrupt handoff record", "id", cleaned, "err", err)
		return nil, nil
	}
	return &rec, nil
}

// List returns handoff ids, newest first (ids embed the creation
// timestamp, so lexicographic descending is chronological descending).
// With a non-empty agentName only handoffs where that agent is the sender
// or the receiver are included. The caller's token must carry READ.
func (s *Store) List(ctx context.Context, agentName, tokenStr string) ([]string, error) {
	if err := s.authorize(ctx, tokenStr, token.PermissionRead, "list_handoffs"); err != nil {
		return nil, err
	}

	filter := ""
	if agentName != "" {
		cleaned, err := s.sanitizer.AgentName(agentName)
		if err != nil {
			return nil, fmt.Errorf("handoff: agent_name: %w", err)
		}
		filter = cleaned
	}

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: list %s: %w", s.dir, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path, err := s.validatePath(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		if filter != "" && !s.involvesAgent(path, filter) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Delete removes a handoff's record and rendered view, reporting whether
// anything was removed. The caller's token must carry DELETE_HANDOFF.
func (s *Store) Delete(ctx context.Context, id, tokenStr string) (bool, error) {
	if err := s.authorize(ctx, tokenStr, token.PermissionDeleteHandoff, "delete_handoff"); err != nil {
		return false, err
	}

	cleaned := s.sanitizer.Filename(id)
	removed := false
	for _, ext := range []string{".json", ".md"} {
		path, err := s.validatePath(filepath.Join(s.dir, cleaned+ext))
		if err != nil {
			return removed, nil
		}
		switch err := os.Remove(path); {
		case err == nil:
			removed = true
		case os.IsNotExist(err):
		default:
			return removed, fmt.Errorf("handoff: delete %s: %w", cleaned, err)
		}
	}

	if removed {
		observability.WithTrace(ctx).Info("handoff deleted", "id", cleaned)
	}
	return removed, nil
}

// authorize authenticates the token and checks perm. With a nil Authorizer
// every call passes.
func (s *Store) authorize(ctx context.Context, tokenStr string, perm token.Permission, resource string) error {
	if s.authz == nil {
		return nil
	}
	tok, err := s.authz.Authenticate(ctx, tokenStr)
	if err != nil {
		return err
	}
	if tok == nil || !s.authz.Authorize(ctx, tok, perm, resource) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, resource)
	}
	return nil
}

// involvesAgent reports whether the record at path names agent as sender
// or receiver. Unreadable or corrupt records do not match.
func (s *Store) involvesAgent(path, agent string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false
	}
	return rec.FromAgent == agent || rec.ToAgent == agent
}

// handoffID derives the id from the participants and the creation second.
// The hash suffix disambiguates different pairs handing off in the same
// second; the same pair in the same second shares an id and the later
// write wins.
func handoffID(from, to string, ts time.Time) string {
	stamp := ts.Format("20060102_150405")
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%s", from, to, stamp)
	return fmt.Sprintf("handoff_%s_%04x", stamp, h.Sum32()%0x10000)
}

// renderMarkdown builds the human-readable view written next to the JSON
// record. Instructions have already been through the markdown sanitizer.
func renderMarkdown(rec *Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Agent Handoff: %s\n\n", rec.HandoffID)
	fmt.Fprintf(&b, "**From:** %s\n", rec.FromAgent)
	fmt.Fprintf(&b, "**To:** %s\n", rec.ToAgent)
	fmt.Fprintf(&b, "**Type:** %s\n", rec.HandoffType)
	fmt.Fprintf(&b, "**Created:** %s\n", rec.Timestamp)
	fmt.Fprintf(&b, "**Status:** %s\n\n", rec.Status)
	b.WriteString("## Instructions\n\n")
	b.WriteString(rec.Instructions)
	b.WriteString("\n\n## Data\n\n```json\n")
	pretty, err := json.MarshalIndent(rec.Data, "", "  ")
	if err != nil {
		pretty = []byte("{}")
	}
	b.Write(pretty)
	b.WriteString("\n```\n")
	return b.String()
}

// writeFileAtomic writes data via a temp file in the same directory plus a
// rename, setting mode before the file becomes visible.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
