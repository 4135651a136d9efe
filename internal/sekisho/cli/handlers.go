package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Sekisho/common/redact"
	"github.com/bdobrica/Sekisho/internal/sekisho/app"
	"github.com/bdobrica/Sekisho/internal/sekisho/token"
)

// Handlers holds the command handlers and their shared workspace app.
type Handlers struct {
	app *app.App
}

// NewHandlers creates a Handlers instance bound to one workspace.
func NewHandlers(a *app.App) *Handlers {
	return &Handlers{app: a}
}

// newRouter wires every workspace-backed command.
func newRouter(h *Handlers) *Router {
	r := NewRouter()
	r.Register("create", h.HandleCreate)
	r.Register("list", h.HandleList)
	r.Register("validate", h.HandleValidate)
	r.Register("revoke", h.HandleRevoke)
	r.Register("update", h.HandleUpdate)
	r.Register("audit", h.HandleAudit)
	r.Register("status", h.HandleStatus)
	r.Register("cleanup", h.HandleCleanup)
	return r
}

// HandleCreate mints a token and prints it once.
func (h *Handlers) HandleCreate(ctx context.Context, cmd *Command) (string, error) {
	agentID := cmd.GetFlag("agent", "")
	if agentID == "" {
		return "", fmt.Errorf("%w: create requires --agent <id>", errUsage)
	}
	role, err := token.ParseRole(cmd.GetFlag("role", ""))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}

	var customPerms []token.Permission
	if raw := cmd.GetFlag("permissions", ""); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			perm, err := token.ParsePermission(p)
			if err != nil {
				return "", fmt.Errorf("%w: %v", errUsage, err)
			}
			customPerms = append(customPerms, perm)
		}
	}

	var lifetime *time.Duration
	if raw := cmd.GetFlag("lifetime", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("%w: invalid --lifetime %q", errUsage, raw)
		}
		lifetime = &d
	}

	var metadata map[string]any
	if raw := cmd.GetFlag("meta", ""); raw != "" {
		metadata = make(map[string]any)
		for _, pair := range strings.Split(raw, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return "", fmt.Errorf("%w: --meta wants key=value[,key=value] pairs", errUsage)
			}
			metadata[k] = v
		}
	}

	tok, err := h.app.CreateToken(ctx, agentID, role, customPerms, lifetime, metadata)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Token created for agent %q (%s)\n\n", tok.AgentID, tok.Role)
	fmt.Fprintf(&b, "  token:         %s\n", tok.Token)
	if tok.RefreshToken != "" {
		fmt.Fprintf(&b, "  refresh token: %s\n", tok.RefreshToken)
	}
	if tok.ExpiresAt != nil {
		fmt.Fprintf(&b, "  expires:       %s\n", tok.ExpiresAt.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("  expires:       never\n")
	}
	b.WriteString("\nStore the token now; it is not shown again.")
	return b.String(), nil
}

// HandleList prints the active tokens, most recent first. Token strings
// are shown only as prefixes.
func (h *Handlers) HandleList(ctx context.Context, cmd *Command) (string, error) {
	tokens := h.app.Tokens()
	if len(tokens) == 0 {
		return "No active tokens.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-13s %-14s %-21s %-21s %s\n",
		"AGENT", "ROLE", "TOKEN", "CREATED", "EXPIRES", "USES")
	for _, tok := range tokens {
		expires := "never"
		if tok.ExpiresAt != nil {
			expires = tok.ExpiresAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%-20s %-13s %-14s %-21s %-21s %d\n",
			tok.AgentID, tok.Role, redact.TokenPrefix(tok.Token),
			tok.CreatedAt.UTC().Format("2006-01-02 15:04:05"), expires, tok.UsageCount)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// HandleValidate authenticates a token and prints its info as JSON.
func (h *Handlers) HandleValidate(ctx context.Context, cmd *Command) (string, error) {
	tokenStr := cmd.GetFlag("token", "")
	if tokenStr == "" {
		return "", fmt.Errorf("%w: validate requires --token <token>", errUsage)
	}

	info, err := h.app.ValidateToken(ctx, tokenStr)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", errors.New("token refused")
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HandleRevoke revokes a token. Revoking an already revoked or unknown
// token succeeds quietly.
func (h *Handlers) HandleRevoke(ctx context.Context, cmd *Command) (string, error) {
	tokenStr := cmd.GetFlag("token", "")
	if tokenStr == "" {
		return "", fmt.Errorf("%w: revoke requires --token <token>", errUsage)
	}
	if err := h.app.RevokeToken(ctx, tokenStr, "cli"); err != nil {
		return "", err
	}
	return "Token revoked.", nil
}

// HandleUpdate moves every token of an agent to a new role. Without
// --token the workspace's own system token authorizes the change.
func (h *Handlers) HandleUpdate(ctx context.Context, cmd *Command) (string, error) {
	agentID := cmd.GetFlag("agent", "")
	if agentID == "" {
		return "", fmt.Errorf("%w: update requires --agent <id>", errUsage)
	}
	role, err := token.ParseRole(cmd.GetFlag("role", ""))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}

	adminToken := cmd.GetFlag("token", "")
	if adminToken == "" {
		adminToken, _ = h.app.SystemToken()
	}
	if !h.app.UpdatePermissions(ctx, agentID, role, adminToken) {
		return "", errors.New("permission update refused")
	}
	return fmt.Sprintf("Agent %q moved to role %s.", agentID, role), nil
}

// HandleAudit prints the most recent audit lines.
func (h *Handlers) HandleAudit(ctx context.Context, cmd *Command) (string, error) {
	n := 20
	if raw := cmd.GetFlag("lines", ""); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return "", fmt.Errorf("%w: invalid --lines %q", errUsage, raw)
		}
		n = parsed
	}

	data, err := os.ReadFile(h.app.AuditPath())
	if os.IsNotExist(err) {
		return "Audit log is empty.", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return "Audit log is empty.", nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// HandleStatus prints the workspace auth status and sanitizer counters.
func (h *Handlers) HandleStatus(ctx context.Context, cmd *Command) (string, error) {
	out := struct {
		Auth         app.AuthStatus `json:"auth"`
		Sanitization any            `json:"sanitization"`
	}{
		Auth:         h.app.AuthStatus(),
		Sanitization: h.app.SanitizationStats(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HandleCleanup sweeps expired tokens and stale lockout records.
func (h *Handlers) HandleCleanup(ctx context.Context, cmd *Command) (string, error) {
	removed, err := h.app.Cleanup(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %d expired tokens.", removed), nil
}

// rolesTable renders the fixed role permission table. It needs no
// workspace, so Run answers it before opening one.
func rolesTable() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %s\n", "ROLE", "PERMISSIONS")
	for _, role := range token.AllRoles() {
		perms := role.Permissions()
		names := make([]string, len(perms))
		for i, p := range perms {
			names[i] = string(p)
		}
		fmt.Fprintf(&b, "%-14s %s\n", role, strings.Join(names, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
