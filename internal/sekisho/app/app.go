// Package app assembles one workspace's auth subsystem and exposes the
// facade consumed by the CLI and by embedding toolkits.
//
// Open wires the pieces together; Initialize seeds the workspace (config
// file plus system token) and must run before the first request is
// served. Every method that acts on behalf of a caller takes the caller's
// token string explicitly. The system token is available through
// SystemToken for in-process callers, but no operation falls back to it
// on its own.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/Sekisho/common/crypto"
	"github.com/bdobrica/Sekisho/common/redact"
	"github.com/bdobrica/Sekisho/common/trace"
	"github.com/bdobrica/Sekisho/internal/sekisho/audit"
	"github.com/bdobrica/Sekisho/internal/sekisho/auth"
	"github.com/bdobrica/Sekisho/internal/sekisho/config"
	"github.com/bdobrica/Sekisho/internal/sekisho/handoff"
	"github.com/bdobrica/Sekisho/internal/sekisho/ledger"
	"github.com/bdobrica/Sekisho/internal/sekisho/observability"
	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
	"github.com/bdobrica/Sekisho/internal/sekisho/secret"
	"github.com/bdobrica/Sekisho/internal/sekisho/token"
)

// systemAgentID is the agent identity the workspace itself acts as.
const systemAgentID = "system"

// App is a fully wired auth subsystem for a single workspace.
type App struct {
	workspace string
	authDir   string
	cfg       config.Config

	sanitizer *sanitize.Sanitizer
	auditLog  *audit.Log
	attempts  *ledger.Ledger
	manager   *auth.Manager
	handoffs  *handoff.Store
}

// AuthStatus summarizes the workspace's auth state for status displays.
type AuthStatus struct {
	Enabled        bool   `json:"enabled"`
	HasSystemToken bool   `json:"has_system_token"`
	Workspace      string `json:"workspace"`
	AuthDirectory  string `json:"auth_directory"`
}

// Open wires the subsystem for workspace, creating the auth directory
// tree as needed. It does not mint the system token; call Initialize
// before serving requests.
//
// With enable_auth off in the workspace config, tokens can still be
// minted and validated but the handoff store stops requiring them.
func Open(workspace string) (*App, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("app: resolve workspace %q: %w", workspace, err)
	}
	authDir := filepath.Join(abs, "auth")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: create %s: %w", authDir, err)
	}

	cfg, err := config.Load(filepath.Join(authDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	var key []byte
	if cfg.SecretKey != "" {
		key, err = crypto.ParseKey(cfg.SecretKey)
	} else {
		key, err = secret.LoadOrCreate(filepath.Join(authDir, ".secret_key"))
	}
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(filepath.Join(authDir, "audit", "security_audit.log"))
	if err != nil {
		return nil, err
	}
	store, err := token.NewStore(filepath.Join(authDir, "tokens"))
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	attempts, err := ledger.Open(filepath.Join(authDir, "lockouts.db"))
	if err != nil {
		auditLog.Close()
		return nil, err
	}

	sanitizer := sanitize.New()
	manager := auth.NewManager(store, auditLog, key, sanitizer, attempts, auth.Config{
		DefaultLifetime:   time.Duration(cfg.DefaultLifetime),
		RefreshLifetime:   time.Duration(cfg.RefreshLifetime),
		MaxFailedAttempts: cfg.MaxFailedAttempts,
		LockoutDuration:   time.Duration(cfg.LockoutDuration),
	})

	var authz handoff.Authorizer
	if cfg.EnableAuth {
		authz = manager
	}
	handoffs, err := handoff.NewStore(abs, authz, sanitizer, handoff.Options{
		CreateRateLimit: cfg.CreateRateLimit,
		ReadRateLimit:   cfg.ReadRateLimit,
	})
	if err != nil {
		auditLog.Close()
		attempts.Close()
		return nil, err
	}

	return &App{
		workspace: abs,
		authDir:   authDir,
		cfg:       cfg,
		sanitizer: sanitizer,
		auditLog:  auditLog,
		attempts:  attempts,
		manager:   manager,
		handoffs:  handoffs,
	}, nil
}

// Close releases the audit log and the lockout ledger.
func (a *App) Close() error {
	return errors.Join(a.auditLog.Close(), a.attempts.Close())
}

// Initialize seeds the workspace: it writes the default config file when
// none exists and mints the system token on first run. The system token
// is an ADMIN token for agent "system" whose lifetime comes from
// token_lifetime_hours (zero means it never expires). Safe to call
// repeatedly.
func (a *App) Initialize(ctx context.Context) error {
	cfgPath := filepath.Join(a.authDir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := a.cfg.Save(cfgPath); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("app: stat %s: %w", cfgPath, err)
	}

	if a.manager.HasAgent(systemAgentID) {
		return nil
	}
	lifetime := time.Duration(a.cfg.TokenLifetimeHours) * time.Hour
	_, err := a.manager.CreateToken(ctx, systemAgentID, token.RoleAdmin, nil, &lifetime,
		map[string]any{"system": true})
	if err != nil {
		return fmt.Errorf("app: mint system token: %w", err)
	}
	return nil
}

// Workspace returns the absolute workspace root.
func (a *App) Workspace() string { return a.workspace }

// AuditPath returns the location of the security audit log.
func (a *App) AuditPath() string { return a.auditLog.Path() }

// CreateToken mints a token for agentID. See auth.Manager.CreateToken.
func (a *App) CreateToken(ctx context.Context, agentID string, role token.Role, customPerms []token.Permission, lifetime *time.Duration, metadata map[string]any) (*token.AgentToken, error) {
	return a.manager.CreateToken(ctx, agentID, role, customPerms, lifetime, metadata)
}

// Authenticate verifies a token string. A nil result with a nil error is
// a refusal.
func (a *App) Authenticate(ctx context.Context, tokenStr string) (*token.AgentToken, error) {
	return a.manager.Authenticate(ctx, tokenStr)
}

// ValidateToken authenticates tokenStr and returns a rendering-safe info
// map, or nil when the token is refused. The map never contains the token
// or refresh-token strings, and metadata values under secret-like keys
// are redacted.
func (a *App) ValidateToken(ctx context.Context, tokenStr string) (map[string]any, error) {
	tok, err := a.manager.Authenticate(ctx, tokenStr)
	if err != nil || tok == nil {
		return nil, err
	}

	perms := make([]string, len(tok.Permissions))
	for i, p := range tok.Permissions {
		perms[i] = string(p)
	}
	info := map[string]any{
		"agent_id":    tok.AgentID,
		"role":        string(tok.Role),
		"permissions": perms,
		"created_at":  tok.CreatedAt.Format(time.RFC3339),
		"expires_at":  nil,
		"last_used":   nil,
		"usage_count": tok.UsageCount,
		"metadata":    redact.Map(tok.Metadata),
	}
	if tok.ExpiresAt != nil {
		info["expires_at"] = tok.ExpiresAt.Format(time.RFC3339)
	}
	if tok.LastUsed != nil {
		info["last_used"] = tok.LastUsed.Format(time.RFC3339)
	}
	return info, nil
}

// CheckPermission reports whether tokenStr authenticates to a token
// holding perm. Both refusals and storage failures read as false.
func (a *App) CheckPermission(ctx context.Context, tokenStr string, perm token.Permission, resource string) bool {
	tok, err := a.manager.Authenticate(ctx, tokenStr)
	if err != nil || tok == nil {
		return false
	}
	return a.manager.Authorize(ctx, tok, perm, resource)
}

// RefreshToken exchanges a refresh token for a fresh token. See
// auth.Manager.RefreshToken.
func (a *App) RefreshToken(ctx context.Context, refreshStr string) (*token.AgentToken, error) {
	return a.manager.RefreshToken(ctx, refreshStr)
}

// RevokeToken revokes tokenStr. actorID names who asked, for the audit
// trail.
func (a *App) RevokeToken(ctx context.Context, tokenStr, actorID string) error {
	return a.manager.RevokeToken(ctx, tokenStr, actorID)
}

// UpdatePermissions moves every one of agentID's tokens to newRole. The
// admin token string must authenticate to a token holding ADMIN.
func (a *App) UpdatePermissions(ctx context.Context, agentID string, newRole token.Role, adminTokenStr string) bool {
	adminTok, err := a.manager.Authenticate(ctx, adminTokenStr)
	if err != nil || adminTok == nil {
		return false
	}
	return a.manager.UpdatePermissions(ctx, agentID, newRole, adminTok)
}

// Tokens returns a snapshot of the active tokens.
func (a *App) Tokens() []*token.AgentToken {
	return a.manager.Tokens()
}

// CreateHandoff stores a handoff from one agent to another. See
// handoff.Store.Create.
func (a *App) CreateHandoff(ctx context.Context, from, to, handoffType string, data any, instructions, tokenStr string) (string, error) {
	return a.handoffs.Create(ctx, from, to, handoffType, data, instructions, tokenStr)
}

// ReadHandoff returns one handoff record, or nil when it does not exist
// or the id fails validation.
func (a *App) ReadHandoff(ctx context.Context, id, tokenStr string) (*handoff.Record, error) {
	return a.handoffs.Read(ctx, id, tokenStr)
}

// ListHandoffs returns handoff ids, newest first, optionally filtered to
// one agent's handoffs.
func (a *App) ListHandoffs(ctx context.Context, agentName, tokenStr string) ([]string, error) {
	return a.handoffs.List(ctx, agentName, tokenStr)
}

// DeleteHandoff removes one handoff, reporting whether anything was
// removed.
func (a *App) DeleteHandoff(ctx context.Context, id, tokenStr string) (bool, error) {
	return a.handoffs.Delete(ctx, id, tokenStr)
}

// SystemToken returns the active system token string, when one exists.
// In-process callers may act with it on behalf of the workspace owner;
// nothing substitutes it for externally supplied input.
func (a *App) SystemToken() (string, bool) {
	now := time.Now()
	for _, tok := range a.manager.Tokens() {
		if tok.AgentID == systemAgentID && !tok.Expired(now) {
			return tok.Token, true
		}
	}
	return "", false
}

// AuthStatus reports the workspace's auth state.
func (a *App) AuthStatus() AuthStatus {
	return AuthStatus{
		Enabled:        a.cfg.EnableAuth,
		HasSystemToken: a.manager.HasAgent(systemAgentID),
		Workspace:      a.workspace,
		AuthDirectory:  a.authDir,
	}
}

// SanitizationStats returns the shared sanitizer's counters.
func (a *App) SanitizationStats() sanitize.Stats {
	return a.sanitizer.Stats()
}

// Cleanup sweeps expired tokens, prunes the lockout ledger, and drops
// idle rate-limit windows. It returns the number of tokens removed.
func (a *App) Cleanup(ctx context.Context) (int, error) {
	removed, err := a.manager.Cleanup(ctx)
	a.sanitizer.PruneIdle(time.Minute)
	return removed, err
}

// StartJanitor runs Cleanup every interval until ctx is cancelled.
func (a *App) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx := trace.WithTraceID(ctx, trace.GenerateID())
				log := observability.WithTrace(sweepCtx)
				if n, err := a.Cleanup(sweepCtx); err != nil {
					log.Warn("janitor sweep failed", "err", err)
				} else if n > 0 {
					log.Info("janitor swept expired tokens", "removed", n)
				}
			}
		}
	}()
}
