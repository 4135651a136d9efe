package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Sekisho/common/crypto"
	"github.com/bdobrica/Sekisho/internal/sekisho/audit"
	"github.com/bdobrica/Sekisho/internal/sekisho/ledger"
	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
	"github.com/bdobrica/Sekisho/internal/sekisho/token"
)

// fakeClock is a manually advanced clock for lockout and refresh tests.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{current: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

var testSecret = bytes.Repeat([]byte{0x42}, crypto.KeySize)

type testEnv struct {
	m         *Manager
	clk       *fakeClock
	auditPath string
	dir       string
}

// newTestEnv wires a Manager over real stores in a temp workspace. The
// clock starts at wall time so the token store's own time checks agree
// with the fake clock until it is advanced.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return newTestEnvAt(t, dir, newFakeClock(time.Now()))
}

func newTestEnvAt(t *testing.T, dir string, clk *fakeClock) *testEnv {
	t.Helper()

	store, err := token.NewStore(filepath.Join(dir, "tokens"))
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	auditPath := filepath.Join(dir, "audit", "security_audit.log")
	log, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	led, err := ledger.Open(filepath.Join(dir, "lockouts.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	m := newManagerWithClock(store, log, testSecret, sanitize.New(), led, Config{}, clk)
	return &testEnv{m: m, clk: clk, auditPath: auditPath, dir: dir}
}

func (e *testEnv) auditContains(t *testing.T, want string) bool {
	t.Helper()
	data, err := os.ReadFile(e.auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	return strings.Contains(string(data), want)
}

func durPtr(d time.Duration) *time.Duration { return &d }

func TestCreateToken_Shape(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.m.CreateToken(ctx, "alice", token.RoleSpecialist, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	idx := strings.LastIndexByte(tok.Token, '.')
	if idx < 0 {
		t.Fatalf("token %q has no signature separator", tok.Token)
	}
	raw, sig := tok.Token[:idx], tok.Token[idx+1:]
	if _, err := base64.RawURLEncoding.DecodeString(raw); err != nil {
		t.Errorf("token body is not URL-safe base64: %v", err)
	}
	if len(sig) != crypto.SignatureSize {
		t.Errorf("signature length = %d, want %d", len(sig), crypto.SignatureSize)
	}
	if !crypto.VerifySignature(testSecret, raw, sig) {
		t.Error("token signature does not verify against the workspace key")
	}

	if tok.Role != token.RoleSpecialist {
		t.Errorf("role = %q", tok.Role)
	}
	wantPerms := token.RoleSpecialist.Permissions()
	if len(tok.Permissions) != len(wantPerms) {
		t.Errorf("permissions = %v, want role defaults %v", tok.Permissions, wantPerms)
	}
	if tok.ExpiresAt == nil {
		t.Fatal("default lifetime should set an expiry")
	}
	wantExp := tok.CreatedAt.Add(DefaultLifetime)
	if !tok.ExpiresAt.Equal(wantExp) {
		t.Errorf("expires_at = %v, want %v", tok.ExpiresAt, wantExp)
	}
	if tok.RefreshToken == "" {
		t.Error("24h token should carry a refresh token")
	}

	if !env.auditContains(t, "TOKEN_CREATED - Agent: alice") {
		t.Error("TOKEN_CREATED not audited")
	}
}

func TestCreateToken_RefreshEligibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Exactly one hour: not strictly greater, no refresh token.
	tok, err := env.m.CreateToken(ctx, "a1", token.RoleGuest, nil, durPtr(time.Hour), nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if tok.RefreshToken != "" {
		t.Error("1h token must not carry a refresh token")
	}

	// One second past eligibility.
	tok, err = env.m.CreateToken(ctx, "a2", token.RoleGuest, nil, durPtr(time.Hour+time.Second), nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if tok.RefreshToken == "" {
		t.Error("1h1s token should carry a refresh token")
	}

	// Zero lifetime: non-expiring, and nothing to refresh.
	tok, err = env.m.CreateToken(ctx, "a3", token.RoleAdmin, nil, durPtr(0), nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if tok.ExpiresAt != nil {
		t.Error("zero lifetime should mean no expiry")
	}
	if tok.RefreshToken != "" {
		t.Error("non-expiring token must not carry a refresh token")
	}
}

func TestCreateToken_CustomPermissionsReplaceRoleSet(t *testing.T) {
	env := newTestEnv(t)

	custom := []token.Permission{token.PermissionRead, token.PermissionViewLogs}
	tok, err := env.m.CreateToken(context.Background(), "observer2", token.RoleSpecialist, custom, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if len(tok.Permissions) != 2 {
		t.Fatalf("permissions = %v, want the custom pair", tok.Permissions)
	}
	if tok.HasPermission(token.PermissionWrite) {
		t.Error("custom permissions must replace, not extend, the role set")
	}
}

func TestCreateToken_UnknownRole(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.m.CreateToken(context.Background(), "x", token.Role("WIZARD"), nil, nil, nil); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestCreateToken_SanitizesAgentName(t *testing.T) {
	env := newTestEnv(t)

	tok, err := env.m.CreateToken(context.Background(), "  bad name!!  ", token.RoleGuest, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if tok.AgentID != "badname" {
		t.Errorf("agent = %q, want badname", tok.AgentID)
	}
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.m.CreateToken(ctx, "alice", token.RoleOrchestrator, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := env.m.Authenticate(ctx, created.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got == nil {
		t.Fatal("valid token refused")
	}
	if got.AgentID != "alice" || got.Role != token.RoleOrchestrator {
		t.Errorf("wrong token resolved: %+v", got)
	}
	if got.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", got.UsageCount)
	}
	if !env.auditContains(t, "AUTH_SUCCESS - Agent: alice") {
		t.Error("AUTH_SUCCESS not audited")
	}
}

func TestAuthenticate_ForgeryNeverTouchesStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.m.CreateToken(ctx, "alice", token.RoleGuest, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	// Damage the last signature character deterministically.
	flipped := "0"
	if strings.HasSuffix(created.Token, "0") {
		flipped = "1"
	}
	forgeries := []string{
		"no-separator-at-all",
		created.Token[:len(created.Token)-1] + flipped,
		"AAAA" + created.Token,
		strings.Replace(created.Token, ".", ".deadbeef.", 1),
		created.Token[:strings.IndexByte(created.Token, '.')],
	}
	for _, forged := range forgeries {
		got, err := env.m.Authenticate(ctx, forged)
		if err != nil {
			t.Fatalf("Authenticate(%q): %v", forged, err)
		}
		if got != nil {
			t.Errorf("forged token %q accepted", forged)
		}
	}

	// None of the forgeries may have registered a use.
	if peeked := env.m.store.Peek(created.Token); peeked.UsageCount != 0 {
		t.Errorf("usage count = %d after forgery attempts, want 0", peeked.UsageCount)
	}
	if !env.auditContains(t, "SUSPICIOUS_ACTIVITY") {
		t.Error("forgery attempts not audited as suspicious")
	}
}

func TestAuthenticate_RevokedForever(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnvAt(t, dir, newFakeClock(time.Now()))
	ctx := context.Background()

	created, err := env.m.CreateToken(ctx, "alice", token.RoleGuest, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if err := env.m.RevokeToken(ctx, created.Token, "admin"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}

	if got, _ := env.m.Authenticate(ctx, created.Token); got != nil {
		t.Fatal("revoked token authenticated")
	}

	// A new manager over the same workspace must still refuse it.
	restarted := newTestEnvAt(t, dir, newFakeClock(time.Now()))
	if got, _ := restarted.m.Authenticate(ctx, created.Token); got != nil {
		t.Error("revocation did not survive restart")
	}
}

func TestAuthenticate_ExpiredRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Hand-build a correctly signed token that expired an hour ago.
	raw, err := randomURLSafe()
	if err != nil {
		t.Fatalf("randomURLSafe: %v", err)
	}
	sig, err := crypto.Sign(testSecret, raw)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	stale := &token.AgentToken{
		AgentID:     "stale",
		Token:       raw + "." + sig,
		Role:        token.RoleGuest,
		Permissions: token.RoleGuest.Permissions(),
		CreatedAt:   past.Add(-time.Hour),
		ExpiresAt:   &past,
		Metadata:    map[string]any{},
	}
	if err := env.m.store.Put(stale); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if got, _ := env.m.Authenticate(ctx, stale.Token); got != nil {
		t.Error("expired token authenticated")
	}
	if !env.auditContains(t, "AUTH_FAILURE") {
		t.Error("expired-token refusal not audited")
	}
}

func TestAuthorize_GrantsAndDenies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.m.CreateToken(ctx, "guest1", token.RoleGuest, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if !env.m.Authorize(ctx, tok, token.PermissionRead, "workspace") {
		t.Error("GUEST denied READ")
	}
	if env.m.Authorize(ctx, tok, token.PermissionWrite, "workspace") {
		t.Error("GUEST granted WRITE")
	}
	if env.m.Authorize(ctx, nil, token.PermissionRead, "") {
		t.Error("nil token authorized")
	}
	if !env.auditContains(t, "AUTH_FAILURE - Agent: guest1") {
		t.Error("denial not audited")
	}
}

func TestLockout_FiveFailuresLockThenRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.m.CreateToken(ctx, "mallory", token.RoleGuest, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	// Four denials: still below the threshold.
	for i := 0; i < MaxFailedAttempts-1; i++ {
		env.m.Authorize(ctx, tok, token.PermissionAdmin, "")
	}
	if got, _ := env.m.Authenticate(ctx, tok.Token); got == nil {
		t.Fatal("agent locked out before reaching the threshold")
	}

	// Fifth denial trips the lockout.
	env.m.Authorize(ctx, tok, token.PermissionAdmin, "")
	if got, _ := env.m.Authenticate(ctx, tok.Token); got != nil {
		t.Fatal("agent not locked out after threshold failures")
	}
	if !env.auditContains(t, "Reason: locked_out") {
		t.Error("lockout refusal not audited")
	}

	// The token itself is not revoked; once the window passes, it works.
	env.clk.Advance(LockoutDuration + time.Minute)
	if got, _ := env.m.Authenticate(ctx, tok.Token); got == nil {
		t.Error("lockout did not release after the window")
	}
}

func TestLockout_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnvAt(t, dir, newFakeClock(time.Now()))
	ctx := context.Background()

	tok, err := env.m.CreateToken(ctx, "mallory", token.RoleGuest, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	for i := 0; i < MaxFailedAttempts; i++ {
		env.m.Authorize(ctx, tok, token.PermissionAdmin, "")
	}

	// Fresh manager, empty in-memory table, same ledger file.
	restarted := newTestEnvAt(t, dir, newFakeClock(time.Now()))
	if got, _ := restarted.m.Authenticate(ctx, tok.Token); got != nil {
		t.Error("lockout lifted by restart")
	}
}

func TestRefreshToken_Rotates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.m.CreateToken(ctx, "orch", token.RoleOrchestrator, nil, durPtr(2*time.Hour), nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if old.RefreshToken == "" {
		t.Fatal("2h token should carry a refresh token")
	}

	fresh, err := env.m.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if fresh == nil {
		t.Fatal("valid refresh refused")
	}
	if fresh.Token == old.Token {
		t.Error("refresh did not rotate the token string")
	}
	if fresh.AgentID != "orch" || fresh.Role != token.RoleOrchestrator {
		t.Errorf("refreshed token lost identity: %+v", fresh)
	}

	if got, _ := env.m.Authenticate(ctx, old.Token); got != nil {
		t.Error("old token still authenticates after refresh")
	}
	if got, _ := env.m.Authenticate(ctx, fresh.Token); got == nil {
		t.Error("refreshed token does not authenticate")
	}

	// A refresh token is single-use.
	again, err := env.m.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if again != nil {
		t.Error("spent refresh token honored twice")
	}
}

func TestRefreshToken_StaleRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.m.CreateToken(ctx, "orch", token.RoleOrchestrator, nil, durPtr(2*time.Hour), nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	env.clk.Advance(RefreshLifetime + time.Hour)

	got, err := env.m.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if got != nil {
		t.Error("stale refresh honored")
	}
	if !env.auditContains(t, "Reason: expired_refresh") {
		t.Error("stale refresh not audited")
	}
}

func TestRefreshToken_UnknownRefused(t *testing.T) {
	env := newTestEnv(t)

	got, err := env.m.RefreshToken(context.Background(), "never-issued")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if got != nil {
		t.Error("unknown refresh honored")
	}
	if !env.auditContains(t, "Reason: invalid_refresh") {
		t.Error("unknown refresh not audited")
	}
}

func TestUpdatePermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	adminTok, err := env.m.CreateToken(ctx, "root", token.RoleAdmin, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := env.m.CreateToken(ctx, "worker", token.RoleSpecialist, nil, nil, nil); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := env.m.CreateToken(ctx, "worker", token.RoleSpecialist, nil, nil, nil); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if !env.m.UpdatePermissions(ctx, "worker", token.RoleReviewer, adminTok) {
		t.Fatal("admin-backed permission update refused")
	}
	for _, tok := range env.m.Tokens() {
		if tok.AgentID != "worker" {
			continue
		}
		if tok.Role != token.RoleReviewer {
			t.Errorf("worker token role = %q, want REVIEWER", tok.Role)
		}
		if tok.HasPermission(token.PermissionWrite) {
			t.Error("worker kept WRITE after demotion")
		}
	}
	if !env.auditContains(t, "PERMISSION_CHANGE - Agent: worker") {
		t.Error("permission change not audited")
	}
}

func TestUpdatePermissions_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	nonAdmin, err := env.m.CreateToken(ctx, "orch", token.RoleOrchestrator, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := env.m.CreateToken(ctx, "worker", token.RoleSpecialist, nil, nil, nil); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if env.m.UpdatePermissions(ctx, "worker", token.RoleAdmin, nonAdmin) {
		t.Fatal("non-admin escalated permissions")
	}
	// The refusal is a recorded authorization failure.
	if !env.auditContains(t, "AUTH_FAILURE - Agent: orch") {
		t.Error("refused escalation not audited")
	}
	// Nil admin token is an ordinary refusal, not a panic.
	if env.m.UpdatePermissions(ctx, "worker", token.RoleAdmin, nil) {
		t.Error("nil admin token accepted")
	}
}

func TestUpdatePermissions_UnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	adminTok, err := env.m.CreateToken(ctx, "root", token.RoleAdmin, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if env.m.UpdatePermissions(ctx, "ghost", token.RoleGuest, adminTok) {
		t.Error("update for agent with no tokens reported success")
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// One live token, one hand-built expired token.
	if _, err := env.m.CreateToken(ctx, "alice", token.RoleGuest, nil, nil, nil); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	raw, _ := randomURLSafe()
	sig, _ := crypto.Sign(testSecret, raw)
	past := time.Now().UTC().Add(-time.Minute)
	if err := env.m.store.Put(&token.AgentToken{
		AgentID: "stale", Token: raw + "." + sig, Role: token.RoleGuest,
		Permissions: token.RoleGuest.Permissions(), CreatedAt: past, ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := env.m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	now := time.Now().UTC()
	for _, tok := range env.m.Tokens() {
		if tok.Expired(now) {
			t.Errorf("expired token %q survived cleanup", tok.AgentID)
		}
	}
}
