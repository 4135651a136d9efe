package token

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	activeFile  = "tokens.json"
	revokedFile = "revoked_tokens.json"
)

// Store is the durable map of active tokens plus the revocation set.
//
// All operations serialize on a single mutex; file writes happen inside the
// critical section so that load-modify-save stays atomic. Both files are
// written with a temp-file-then-rename so a crash never leaves partial JSON.
type Store struct {
	mu          sync.Mutex
	dir         string
	activePath  string
	revokedPath string
	active      map[string]*AgentToken
	revoked     map[string]struct{}
}

// NewStore opens (or creates) the token store rooted at dir. A corrupt
// persisted file is logged and replaced with empty state rather than
// crashing the process.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("token: create store directory: %w", err)
	}

	s := &Store{
		dir:         dir,
		activePath:  filepath.Join(dir, activeFile),
		revokedPath: filepath.Join(dir, revokedFile),
		active:      make(map[string]*AgentToken),
		revoked:     make(map[string]struct{}),
	}
	s.load()
	return s, nil
}

// Put inserts or replaces an active token and persists both files.
func (s *Store) Put(t *AgentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[t.Token] = t.Clone()
	return s.save()
}

// Get looks up an active token by its full token string. It returns nil when
// the token is revoked, absent, or expired; an expired entry is removed (and
// the removal persisted) as a side effect. On a hit, last_used and
// usage_count are updated and persisted before the copy is returned.
func (s *Store) Get(tokenStr string) (*AgentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, revoked := s.revoked[tokenStr]; revoked {
		return nil, nil
	}

	t, ok := s.active[tokenStr]
	if !ok {
		return nil, nil
	}

	now := time.Now().UTC()
	if t.Expired(now) {
		delete(s.active, tokenStr)
		if err := s.save(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	t.LastUsed = &now
	t.UsageCount++
	if err := s.save(); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Peek returns a copy of the active token without recording a use. Unlike
// Get it does not touch last_used or usage_count and does not remove
// expired entries; audit paths use it to name a token's owner.
func (s *Store) Peek(tokenStr string) *AgentToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.active[tokenStr]
	if !ok {
		return nil
	}
	return t.Clone()
}

// Revoke moves a token into the revocation set. It is idempotent and always
// records the token string as revoked, whether or not it was active.
func (s *Store) Revoke(tokenStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, tokenStr)
	s.revoked[tokenStr] = struct{}{}
	return s.save()
}

// CleanupExpired removes every active token whose expiry has passed and
// returns how many were removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for str, t := range s.active {
		if t.Expired(now) {
			delete(s.active, str)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

// FindByRefresh returns a copy of the active token carrying the given
// refresh token, or nil. The scan is linear; active token counts are small.
func (s *Store) FindByRefresh(refresh string) *AgentToken {
	if refresh == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.active {
		if t.RefreshToken == refresh {
			return t.Clone()
		}
	}
	return nil
}

// ReplaceRole atomically rewrites role and permissions on every active token
// belonging to agentID, persisting once. Returns how many tokens changed.
func (s *Store) ReplaceRole(agentID string, role Role, perms []Permission) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, t := range s.active {
		if t.AgentID != agentID {
			continue
		}
		t.Role = role
		t.Permissions = make([]Permission, len(perms))
		copy(t.Permissions, perms)
		updated++
	}
	if updated == 0 {
		return 0, nil
	}
	return updated, s.save()
}

// HasAgent reports whether any active, unexpired token belongs to agentID.
func (s *Store) HasAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range s.active {
		if t.AgentID == agentID && !t.Expired(now) {
			return true
		}
	}
	return false
}

// Snapshot returns copies of all active tokens, oldest first.
func (s *Store) Snapshot() []*AgentToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*AgentToken, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ── persistence ──────────────────────────────────────────────────────────────

// save writes both JSON files. Callers must hold s.mu.
func (s *Store) save() error {
	activeJSON, err := json.MarshalIndent(s.active, "", "  ")
	if err != nil {
		return fmt.Errorf("token: marshal active tokens: %w", err)
	}
	if err := writeAtomic(s.activePath, activeJSON); err != nil {
		return fmt.Errorf("token: save active tokens: %w", err)
	}

	revoked := make([]string, 0, len(s.revoked))
	for str := range s.revoked {
		revoked = append(revoked, str)
	}
	sort.Strings(revoked)
	revokedJSON, err := json.MarshalIndent(revoked, "", "  ")
	if err != nil {
		return fmt.Errorf("token: marshal revoked tokens: %w", err)
	}
	if err := writeAtomic(s.revokedPath, revokedJSON); err != nil {
		return fmt.Errorf("token: save revoked tokens: %w", err)
	}
	return nil
}

// load reads both JSON files. Missing files mean empty state; corrupt files
// are logged and replaced with empty state so a damaged store never takes
// down the process.
func (s *Store) load() {
	if data, err := os.ReadFile(s.activePath); err == nil {
		if err := json.Unmarshal(data, &s.active); err != nil {
			slog.Error("token: corrupt tokens file, starting with empty active set",
				"path", s.activePath, "err", err)
			s.active = make(map[string]*AgentToken)
		}
	} else if !os.IsNotExist(err) {
		slog.Error("token: read tokens file", "path", s.activePath, "err", err)
	}

	if data, err := os.ReadFile(s.revokedPath); err == nil {
		var revoked []string
		if err := json.Unmarshal(data, &revoked); err != nil {
			slog.Error("token: corrupt revoked-tokens file, starting with empty revocation set",
				"path", s.revokedPath, "err", err)
		} else {
			for _, str := range revoked {
				s.revoked[str] = struct{}{}
			}
		}
	} else if !os.IsNotExist(err) {
		slog.Error("token: read revoked-tokens file", "path", s.revokedPath, "err", err)
	}
}

// writeAtomic writes data to path via a temp file in the same directory plus
// a rename, keeping the 0600 mode the temp file is created with.
func writeAtomic(path string, data []byte) error {
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
