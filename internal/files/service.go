// Package files exposes the filesystem surface over project working
// copies. Every operation is gated by the permission check, then
// anchored by path resolution, and returns domain errors rather than
// raw I/O errors.
package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/codeharbor/codeharbor/internal/hostpath"
	"github.com/codeharbor/codeharbor/internal/vfs"
)

// Entry describes one directory listing item.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Service performs working-copy filesystem operations on behalf of an
// actor.
type Service struct {
	gate     *vfs.Gate
	resolver *hostpath.PathResolver
	store    vfs.Store
}

// NewService creates the filesystem surface.
func NewService(gate *vfs.Gate, resolver *hostpath.PathResolver, store vfs.Store) *Service {
	return &Service{gate: gate, resolver: resolver, store: store}
}

// authorize runs the permission gate for one operation. Write denials
// never reveal whether the project exists; reads distinguish a missing
// project from insufficient rights.
func (s *Service) authorize(ctx context.Context, actorID, ownerID, projectSlug string, level vfs.Permission) error {
	ok, err := s.gate.Check(ctx, actorID, ownerID, projectSlug, level)
	if err != nil {
		if errors.Is(err, vfs.ErrProjectNotFound) {
			if level == vfs.PermissionWrite {
				return vfs.ErrPermissionDenied
			}
			return vfs.ErrProjectNotFound
		}
		return fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return vfs.ErrPermissionDenied
	}
	return nil
}

// List returns the entries of a directory inside the working copy.
func (s *Service) List(ctx context.Context, actorID, ownerID, projectSlug, relPath string) ([]Entry, error) {
	if err := s.authorize(ctx, actorID, ownerID, projectSlug, vfs.PermissionRead); err != nil {
		return nil, err
	}
	path, err := s.resolver.Resolve(ownerID, projectSlug, relPath)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, mapIOError(err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// Read returns a file's content.
func (s *Service) Read(ctx context.Context, actorID, ownerID, projectSlug, relPath string) ([]byte, error) {
	if err := s.authorize(ctx, actorID, ownerID, projectSlug, vfs.PermissionRead); err != nil {
		return nil, err
	}
	path, err := s.resolver.Resolve(ownerID, projectSlug, relPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, mapIOError(err)
	}
	return content, nil
}

// Write replaces a file's content, creating the file if absent. The
// parent directory must exist.
func (s *Service) Write(ctx context.Context, actorID, ownerID, projectSlug, relPath string, content []byte) error {
	if err := s.authorize(ctx, actorID, ownerID, projectSlug, vfs.PermissionWrite); err != nil {
		return err
	}
	path, err := s.resolver.Resolve(ownerID, projectSlug, relPath)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return mapIOError(err)
	}
	return nil
}

// Mkdir creates a directory, parents included.
func (s *Service) Mkdir(ctx context.Context, actorID, ownerID, projectSlug, relPath string) error {
	if err := s.authorize(ctx, actorID, ownerID, projectSlug, vfs.PermissionWrite); err != nil {
		return err
	}
	path, err := s.resolver.Resolve(ownerID, projectSlug, relPath)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		return vfs.ErrAlreadyExists
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return mapIOError(err)
	}
	return nil
}

// Delete removes a file or directory subtree.
func (s *Service) Delete(ctx context.Context, actorID, ownerID, projectSlug, relPath string) error {
	if err := s.authorize(ctx, actorID, ownerID, projectSlug, vfs.PermissionWrite); err != nil {
		return err
	}
	path, err := s.resolver.Resolve(ownerID, projectSlug, relPath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		return mapIOError(err)
	}
	if err := os.RemoveAll(path); err != nil {
		return mapIOError(err)
	}
	return nil
}

// Rename changes a path's name in place. The destination must not
// already exist.
func (s *Service) Rename(ctx context.Context, actorID, ownerID, projectSlug, oldRel, newRel string) error {
	return s.move(ctx, actorID, ownerID, projectSlug, oldRel, newRel)
}

// Move relocates a path, possibly across directories within the same
// working copy.
func (s *Service) Move(ctx context.Context, actorID, ownerID, projectSlug, srcRel, dstRel string) error {
	return s.move(ctx, actorID, ownerID, projectSlug, srcRel, dstRel)
}

func (s *Service) move(ctx context.Context, actorID, ownerID, projectSlug, srcRel, dstRel string) error {
	if err := s.authorize(ctx, actorID, ownerID, projectSlug, vfs.PermissionWrite); err != nil {
		return err
	}
	src, err := s.resolver.Resolve(ownerID, projectSlug, srcRel)
	if err != nil {
		return err
	}
	dst, err := s.resolver.Resolve(ownerID, projectSlug, dstRel)
	if err != nil {
		return err
	}

	if _, err := os.Stat(src); err != nil {
		return mapIOError(err)
	}
	if _, err := os.Stat(dst); err == nil {
		return vfs.ErrAlreadyExists
	}
	if err := os.Rename(src, dst); err != nil {
		return mapIOError(err)
	}
	return nil
}

// CreateFromTemplate clones a template tree into a new project for the
// actor. Only the actor's own namespace can receive the clone.
func (s *Service) CreateFromTemplate(ctx context.Context, actorID, templateRootID, name string) (*vfs.Node, error) {
	root, err := vfs.CloneTree(ctx, s.store, templateRootID, actorID, name)
	if err != nil {
		return nil, err
	}
	return root, nil
}

// mapIOError translates raw I/O failures into the domain taxonomy.
func mapIOError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return vfs.ErrNotFound
	case errors.Is(err, os.ErrExist):
		return vfs.ErrAlreadyExists
	case errors.Is(err, os.ErrPermission):
		return vfs.ErrPermissionDenied
	default:
		return fmt.Errorf("filesystem: %w", err)
	}
}
