package security

import (
	"os"
	"path/filepath"
	"strings"
)

// Sandbox maps user identities to their confined directory trees.
type Sandbox struct {
	baseDir string
}

// NewSandbox returns a Sandbox rooted at baseDir. A relative baseDir is
// resolved against the working directory.
func NewSandbox(baseDir string) *Sandbox {
	if abs, err := NormalizePath(baseDir); err == nil {
		baseDir = abs
	}
	return &Sandbox{baseDir: baseDir}
}

// BaseDir returns the directory that holds every user's sandbox.
func (s *Sandbox) BaseDir() string { return s.baseDir }

// Root returns userID's sandbox root: baseDir/<sanitized id>/projects.
// The sanitized id is a single path segment, so the root is always
// two levels below baseDir.
func (s *Sandbox) Root(userID string) string {
	return filepath.Join(s.baseDir, SanitizePathComponent(userID), "projects")
}

// Home returns the directory used as HOME for userID's shells.
func (s *Sandbox) Home(userID string) string {
	return filepath.Join(s.baseDir, SanitizePathComponent(userID))
}

// Contains reports whether path resolves inside userID's sandbox root.
func (s *Sandbox) Contains(path, userID string) bool {
	abs, err := NormalizePath(path)
	if err != nil {
		return false
	}
	return isSubpath(abs, s.Root(userID))
}

// NormalizePath returns the clean absolute form of path. It is purely
// lexical and idempotent; symlinks are not followed.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return "", ErrNullByte
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// SanitizePathComponent reduces raw to a single safe path segment made of
// [A-Za-z0-9_-]. Parent references and separators are dropped, every other
// rejected rune becomes '_'.
func SanitizePathComponent(raw string) string {
	s := strings.ReplaceAll(raw, "..", "")
	s = strings.NewReplacer("/", "", "\\", "").Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// hasTraversal reports whether the raw, unnormalized input contains a
// parent-directory segment, plain or percent-encoded.
func hasTraversal(raw string) bool {
	lower := strings.ToLower(raw)
	for _, enc := range []string{"%2e%2e", "..%2f", "..%5c", "%2e."} {
		if strings.Contains(lower, enc) {
			return true
		}
	}
	for _, seg := range strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// resolveSymlinks resolves symlinks, falling back to resolving the parent for non-existent paths.
func resolveSymlinks(absPath string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			parent := filepath.Dir(absPath)
			resolvedParent, err2 := filepath.EvalSymlinks(parent)
			if err2 != nil {
				return absPath, nil // best effort
			}
			return filepath.Join(resolvedParent, filepath.Base(absPath)), nil
		}
		return absPath, nil
	}
	return resolved, nil
}

// isSubpath checks if child is equal to or a subdirectory of parent.
func isSubpath(child, parent string) bool {
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	if child == parent {
		return true
	}
	prefix := parent + string(filepath.Separator)
	return strings.HasPrefix(child, prefix)
}

// expandHome replaces a leading ~ with home. "~name" expands to a sibling
// of home so that other users' directories are recognized too.
func expandHome(path, home string) string {
	if !strings.HasPrefix(path, "~") || home == "" {
		return path
	}
	rest := path[1:]
	if rest == "" || strings.HasPrefix(rest, "/") {
		return filepath.Join(home, rest)
	}
	name, tail, _ := strings.Cut(rest, "/")
	return filepath.Join(filepath.Dir(home), name, tail)
}
