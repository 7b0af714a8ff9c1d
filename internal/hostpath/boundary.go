// Package hostpath anchors filesystem operations for working copies to
// their sandbox-local roots and rejects traversal outside them.
package hostpath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a resolved path would escape its
// sandbox boundary. It is never retried and always blocks the operation.
var ErrPathTraversal = errors.New("path escapes sandbox boundary")

// Boundary anchors every filesystem operation for one working copy to
// its root directory. It is a value type so the containment check
// travels with the path rather than as a loose parameter.
type Boundary struct {
	Root string
}

// NewBoundary creates a boundary rooted at the cleaned absolute form of
// root.
func NewBoundary(root string) Boundary {
	return Boundary{Root: filepath.Clean(root)}
}

// Contains reports whether path is the boundary root or a descendant of
// it. The path is cleaned before comparison; symlinks are not followed.
func (b Boundary) Contains(path string) bool {
	cleaned := filepath.Clean(path)
	if cleaned == b.Root {
		return true
	}
	return strings.HasPrefix(cleaned, b.Root+string(filepath.Separator))
}

// Resolve joins a relative path to the boundary root and validates
// containment. Leading slashes are stripped and dot segments collapse
// during cleaning, so "../../etc/passwd" style inputs fail with
// ErrPathTraversal. The check runs on every call; nothing is cached.
func (b Boundary) Resolve(relativePath string) (string, error) {
	rel := strings.TrimLeft(relativePath, "/\\")
	resolved := filepath.Clean(filepath.Join(b.Root, rel))
	if !b.Contains(resolved) {
		return "", fmt.Errorf("resolve %q: %w", relativePath, ErrPathTraversal)
	}
	return resolved, nil
}

// PathResolver maps (owner, project) pairs to boundaries under a base
// directory. Side-effect-free: it never touches the filesystem.
type PathResolver struct {
	baseDir string
}

// NewPathResolver creates a resolver anchored at baseDir.
func NewPathResolver(baseDir string) *PathResolver {
	return &PathResolver{baseDir: filepath.Clean(baseDir)}
}

// ProjectBoundary returns the boundary for a project's working copy at
// baseDir/ownerID/projectSlug. Owner ids and slugs are single path
// segments; anything that would move the root outside the base
// directory fails with ErrPathTraversal.
func (r *PathResolver) ProjectBoundary(ownerID, projectSlug string) (Boundary, error) {
	base := NewBoundary(r.baseDir)
	ownerDir, err := base.Resolve(ownerID)
	if err != nil {
		return Boundary{}, err
	}
	if filepath.Dir(ownerDir) != r.baseDir {
		return Boundary{}, fmt.Errorf("owner %q: %w", ownerID, ErrPathTraversal)
	}
	root, err := NewBoundary(ownerDir).Resolve(projectSlug)
	if err != nil {
		return Boundary{}, err
	}
	if filepath.Dir(root) != ownerDir {
		return Boundary{}, fmt.Errorf("project %q: %w", projectSlug, ErrPathTraversal)
	}
	return NewBoundary(root), nil
}

// Resolve maps (ownerID, projectSlug, relativePath) to an absolute
// host path, validating that the result stays inside the project's
// working copy.
func (r *PathResolver) Resolve(ownerID, projectSlug, relativePath string) (string, error) {
	boundary, err := r.ProjectBoundary(ownerID, projectSlug)
	if err != nil {
		return "", err
	}
	return boundary.Resolve(relativePath)
}
