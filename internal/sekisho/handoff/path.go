package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// allowedRoots are the only workspace subdirectories the store will ever
// touch. Everything else under the workspace is off limits even when the
// path itself stays inside it.
var allowedRoots = map[string]bool{
	"communication": true,
	"handoffs":      true,
	"logs":          true,
	"data":          true,
	"auth":          true,
}

// containsTraversal refuses traversal markers outright, before any
// normalization. The encoded forms catch URL-encoded and double-encoded
// dots that a later decoding layer might expand back into "..".
func containsTraversal(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(path, "../") ||
		strings.Contains(path, `..\`) ||
		strings.Contains(lower, "%2e%2e") ||
		strings.Contains(lower, "%252e")
}

// validatePath applies the path safety checks to candidate and returns the
// cleaned absolute path on success. The checks run in order: traversal
// markers, normalization, containment in the workspace, the subdirectory
// whitelist, and finally symlink resolution with a containment re-check so
// a link cannot smuggle the access outside the workspace.
//
// Every filesystem access in this package goes through here, including
// paths the store built itself.
func (s *Store) validatePath(candidate string) (string, error) {
	if containsTraversal(candidate) {
		return "", fmt.Errorf("%w: %q contains a traversal sequence", ErrUnsafePath, candidate)
	}

	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.workspace, abs)
	}
	abs = filepath.Clean(abs)

	if !within(s.workspace, abs) {
		return "", fmt.Errorf("%w: %q resolves outside the workspace", ErrUnsafePath, candidate)
	}
	if !allowedSubtree(s.workspace, abs) {
		return "", fmt.Errorf("%w: %q is not under a whitelisted subdirectory", ErrUnsafePath, candidate)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", fmt.Errorf("handoff: resolve %q: %w", candidate, err)
	}
	if !within(s.resolved, resolved) {
		return "", fmt.Errorf("%w: %q links outside the workspace", ErrUnsafePath, candidate)
	}
	return abs, nil
}

// within reports whether path is root itself or below it. Both arguments
// must already be absolute and cleaned.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// allowedSubtree checks the first path element below root against the
// whitelist. The root itself passes.
func allowedSubtree(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	first := strings.Split(rel, string(filepath.Separator))[0]
	return allowedRoots[first]
}

// resolveExisting resolves symlinks over the longest existing prefix of
// path and rejoins the non-existing remainder, so a path that is about to
// be created is still checked through any symlinked parents.
func resolveExisting(path string) (string, error) {
	remainder := ""
	for p := path; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(p), remainder)
		p = parent
	}
}
