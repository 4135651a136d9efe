// Package auth implements capability-token issuance and verification for
// agents.
//
// A token is an opaque string `raw + "." + sig` where raw is 32 bytes of
// URL-safe randomness and sig is the hex HMAC-SHA256 of raw under the
// workspace signing key. Verification recomputes the signature in constant
// time before the token store is consulted, so forged strings never reach
// state. Tokens carry a role (a fixed permission set) or a custom
// permission list, an optional expiry, and an optional refresh token.
//
// The manager also enforces brute-force lockout: an agent accumulating
// MaxFailedAttempts authorization failures within LockoutDuration cannot
// authenticate until the oldest failure ages out of the window. The
// failed-attempt map lives in memory and is shadowed in the SQLite ledger
// so a restart does not lift an active lockout.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Sekisho/common/crypto"
	"github.com/bdobrica/Sekisho/common/redact"
	"github.com/bdobrica/Sekisho/internal/sekisho/audit"
	"github.com/bdobrica/Sekisho/internal/sekisho/ledger"
	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
	"github.com/bdobrica/Sekisho/internal/sekisho/token"
)

// ErrUnknownRole is returned by CreateToken for a role outside the fixed
// role table.
var ErrUnknownRole = errors.New("auth: unknown role")

// refreshEligibility is the minimum lifetime a token must have before a
// refresh token is issued alongside it.
const refreshEligibility = time.Hour

// Config carries the manager's tunables. Zero fields fall back to the
// defaults below.
type Config struct {
	DefaultLifetime   time.Duration // lifetime when the caller passes none
	RefreshLifetime   time.Duration // how long after issue a refresh is honored
	MaxFailedAttempts int           // failures within the window that trigger lockout
	LockoutDuration   time.Duration // sliding lockout window
}

const (
	DefaultLifetime   = 24 * time.Hour
	RefreshLifetime   = 7 * 24 * time.Hour
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.DefaultLifetime == 0 {
		c.DefaultLifetime = DefaultLifetime
	}
	if c.RefreshLifetime == 0 {
		c.RefreshLifetime = RefreshLifetime
	}
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = MaxFailedAttempts
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = LockoutDuration
	}
	return c
}

// clock is an interface over time.Now, allowing tests to substitute a
// controlled fake clock that advances on demand.
type clock interface {
	Now() time.Time
}

// realClock delegates to the standard library.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager owns the token store, the audit log, the signing key, and the
// lockout state. All methods are safe for concurrent use.
type Manager struct {
	store     *token.Store
	log       *audit.Log
	secret    []byte
	sanitizer *sanitize.Sanitizer
	ledger    *ledger.Ledger // nil disables the durable lockout shadow
	cfg       Config
	clk       clock

	lockouts *lockoutTable
}

// NewManager wires a Manager from its stores. ledger may be nil, in which
// case lockout state is memory-only and does not survive a restart.
func NewManager(store *token.Store, log *audit.Log, secretKey []byte, sanitizer *sanitize.Sanitizer, ledger *ledger.Ledger, cfg Config) *Manager {
	return newManagerWithClock(store, log, secretKey, sanitizer, ledger, cfg, realClock{})
}

func newManagerWithClock(store *token.Store, log *audit.Log, secretKey []byte, sanitizer *sanitize.Sanitizer, ledger *ledger.Ledger, cfg Config, clk clock) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store:     store,
		log:       log,
		secret:    secretKey,
		sanitizer: sanitizer,
		ledger:    ledger,
		cfg:       cfg,
		clk:       clk,
		lockouts:  newLockoutTable(cfg.MaxFailedAttempts, cfg.LockoutDuration),
	}
}

// CreateToken mints a signed token for agentID.
//
// permissions default to the role's set; a non-nil customPerms replaces it.
// lifetime resolves as: nil → the configured default; a zero or negative
// value → no expiry. A refresh token is issued only when the resolved
// lifetime exceeds one hour, so short-lived and non-expiring tokens cannot
// be silently renewed.
func (m *Manager) CreateToken(ctx context.Context, agentID string, role token.Role, customPerms []token.Permission, lifetime *time.Duration, metadata map[string]any) (*token.AgentToken, error) {
	name, err := m.sanitizer.AgentName(agentID)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	raw, err := randomURLSafe()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(m.secret, raw)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}
	tokenStr := raw + "." + sig

	perms := role.Permissions()
	if customPerms != nil {
		perms = append([]token.Permission(nil), customPerms...)
	}

	now := m.clk.Now().UTC()
	resolved := m.cfg.DefaultLifetime
	if lifetime != nil {
		resolved = *lifetime
	}

	tok := &token.AgentToken{
		AgentID:     name,
		Token:       tokenStr,
		Role:        role,
		Permissions: perms,
		CreatedAt:   now,
		Metadata:    metadata,
	}
	expiresField := "never"
	if resolved > 0 {
		exp := now.Add(resolved)
		tok.ExpiresAt = &exp
		expiresField = exp.Format(time.RFC3339)
	}
	if resolved > refreshEligibility {
		refresh, err := randomURLSafe()
		if err != nil {
			return nil, err
		}
		tok.RefreshToken = refresh
	}

	if err := m.store.Put(tok); err != nil {
		return nil, err
	}
	m.auditWrite(ctx, audit.LevelInfo, audit.EventTokenCreated, name,
		audit.F("Role", role), audit.F("Expires", expiresField))
	return tok, nil
}

// Authenticate resolves a token string to its live token.
//
// It returns (nil, nil) when the token is refused: bad signature, unknown,
// revoked, expired, or the owning agent is locked out. A non-nil error
// means the store itself failed. Signature verification happens before any
// state is touched, so forged strings cannot probe the store.
func (m *Manager) Authenticate(ctx context.Context, tokenStr string) (*token.AgentToken, error) {
	idx := strings.LastIndexByte(tokenStr, '.')
	if idx < 0 {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventSuspiciousActivity, "unknown",
			audit.F("Reason", "invalid_signature"), audit.F("Token", redact.TokenPrefix(tokenStr)))
		return nil, nil
	}
	raw, sig := tokenStr[:idx], tokenStr[idx+1:]
	if !crypto.VerifySignature(m.secret, raw, sig) {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventSuspiciousActivity, "unknown",
			audit.F("Reason", "invalid_signature"), audit.F("Token", redact.TokenPrefix(tokenStr)))
		return nil, nil
	}

	tok, err := m.store.Get(tokenStr)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventAuthFailure, "unknown",
			audit.F("Reason", "unknown_or_expired_token"), audit.F("Token", redact.TokenPrefix(tokenStr)))
		return nil, nil
	}

	if m.isLockedOut(ctx, tok.AgentID) {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventAuthFailure, tok.AgentID,
			audit.F("Reason", "locked_out"))
		return nil, nil
	}

	m.auditWrite(ctx, audit.LevelInfo, audit.EventAuthSuccess, tok.AgentID,
		audit.F("Role", tok.Role))
	return tok, nil
}

// Authorize reports whether tok grants perm. A denial records a failed
// attempt against the token's agent, feeding the lockout window.
func (m *Manager) Authorize(ctx context.Context, tok *token.AgentToken, perm token.Permission, resource string) bool {
	if tok == nil {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventAuthFailure, "unknown",
			audit.F("Reason", "missing_token"), audit.F("Permission", perm))
		return false
	}

	fields := []audit.Field{audit.F("Permission", perm)}
	if resource != "" {
		fields = append(fields, audit.F("Resource", resource))
	}

	if !tok.HasPermission(perm) {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventAuthFailure, tok.AgentID,
			append(fields, audit.F("Reason", "permission_denied"))...)
		m.recordFailedAttempt(ctx, tok.AgentID)
		return false
	}

	m.auditWrite(ctx, audit.LevelInfo, audit.EventAuthSuccess, tok.AgentID, fields...)
	return true
}

// RefreshToken exchanges a refresh token for a fresh token carrying the
// same role, permissions, and metadata, with the configured default
// lifetime. The old token is revoked first, so a refresh token is usable
// exactly once. Returns (nil, nil) for an unknown or stale refresh token.
func (m *Manager) RefreshToken(ctx context.Context, refreshStr string) (*token.AgentToken, error) {
	old := m.store.FindByRefresh(refreshStr)
	if old == nil {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventSuspiciousActivity, "unknown",
			audit.F("Reason", "invalid_refresh"))
		return nil, nil
	}
	if m.clk.Now().After(old.CreatedAt.Add(m.cfg.RefreshLifetime)) {
		m.auditWrite(ctx, audit.LevelWarning, audit.EventSuspiciousActivity, old.AgentID,
			audit.F("Reason", "expired_refresh"))
		return nil, nil
	}

	if err := m.RevokeToken(ctx, old.Token, old.AgentID); err != nil {
		return nil, err
	}
	return m.CreateToken(ctx, old.AgentID, old.Role, old.Permissions, nil, old.Metadata)
}

// RevokeToken invalidates a token string permanently. It is idempotent;
// revoking an unknown or already-revoked string still records it so the
// string can never authenticate later.
func (m *Manager) RevokeToken(ctx context.Context, tokenStr string, actorID string) error {
	agentID := "unknown"
	if tok := m.store.Peek(tokenStr); tok != nil {
		agentID = tok.AgentID
	}

	if err := m.store.Revoke(tokenStr); err != nil {
		return err
	}

	fields := []audit.Field{audit.F("Token", redact.TokenPrefix(tokenStr))}
	if actorID != "" {
		fields = append(fields, audit.F("Actor", actorID))
	}
	m.auditWrite(ctx, audit.LevelInfo, audit.EventTokenRevoked, agentID, fields...)
	return nil
}

// UpdatePermissions moves every active token of agentID to newRole. The
// admin token must hold ADMIN; any refusal returns false, never an error.
// Returns true only when at least one token was rewritten.
func (m *Manager) UpdatePermissions(ctx context.Context, agentID string, newRole token.Role, adminTok *token.AgentToken) bool {
	if !m.Authorize(ctx, adminTok, token.PermissionAdmin, "update_permissions") {
		return false
	}
	if !newRole.Valid() {
		slog.Warn("permission update refused", "agent", agentID, "role", newRole, "err", ErrUnknownRole)
		return false
	}
	name, err := m.sanitizer.AgentName(agentID)
	if err != nil {
		return false
	}

	oldRole := token.Role("")
	for _, tok := range m.store.Snapshot() {
		if tok.AgentID == name {
			oldRole = tok.Role
			break
		}
	}

	n, err := m.store.ReplaceRole(name, newRole, newRole.Permissions())
	if err != nil {
		slog.Error("permission update failed", "agent", name, "err", err)
		return false
	}
	if n == 0 {
		return false
	}

	m.auditWrite(ctx, audit.LevelInfo, audit.EventPermissionChange, name,
		audit.F("OldRole", oldRole), audit.F("NewRole", newRole),
		audit.F("Admin", adminTok.AgentID), audit.F("Tokens", n))
	return true
}

// Cleanup sweeps expired tokens from the store and failure records that
// have aged out of the lockout window. Returns the number of tokens
// removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	removed, err := m.store.CleanupExpired()
	if err != nil {
		return 0, err
	}

	cutoff := m.clk.Now().Add(-m.cfg.LockoutDuration)
	m.lockouts.prune(cutoff)
	if m.ledger != nil {
		if _, err := m.ledger.PruneBefore(ctx, cutoff); err != nil {
			slog.Warn("lockout ledger prune failed", "err", err)
		}
	}
	return removed, nil
}

// HasAgent reports whether agentID currently holds at least one active,
// unexpired token.
func (m *Manager) HasAgent(agentID string) bool {
	return m.store.HasAgent(agentID)
}

// Tokens returns copies of all active tokens, oldest first.
func (m *Manager) Tokens() []*token.AgentToken {
	return m.store.Snapshot()
}

// auditWrite appends an audit line, downgrading write failures to slog
// warnings so auth decisions never depend on audit I/O.
func (m *Manager) auditWrite(ctx context.Context, level audit.Level, event audit.Event, agentID string, fields ...audit.Field) {
	if err := m.log.Write(ctx, level, event, agentID, fields...); err != nil {
		slog.Warn("audit write failed", "event", event, "agent", agentID, "err", err)
	}
}

// randomURLSafe returns 32 random bytes in unpadded URL-safe base64, the
// shape shared by token bodies and refresh tokens.
func randomURLSafe() (string, error) {
	b, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("auth: generate token bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
