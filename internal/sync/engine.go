// Package sync converts between the database-backed virtual file
// system and a host working copy, in both directions. Failures are
// contained per entry: one corrupt record or unreadable file is
// skipped and logged, never aborting sibling processing.
package sync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeharbor/codeharbor/internal/hostpath"
	"github.com/codeharbor/codeharbor/internal/vfs"
)

// pushIgnore is the host-side ignore set: dependency caches, version
// control metadata and tooling ephemera that must not enter the VFS.
var pushIgnore = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".venv":         true,
	"venv":          true,
	".cache":        true,
	".npm":          true,
	".DS_Store":     true,
	".terraform":    true,
	".gradle":       true,
}

// pullIgnore is the VFS-side ignore set. The VFS carries no build
// artifacts, so only version-control metadata is excluded.
var pullIgnore = map[string]bool{
	".git": true,
}

// Report summarizes one sync direction: how many entries were written,
// how many were skipped by the ignore set, and how many failed and
// were logged.
type Report struct {
	Files   int
	Folders int
	Skipped int
	Failed  int
}

func (r *Report) merge(other Report) {
	r.Files += other.Files
	r.Folders += other.Folders
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

// Events receives sync completion notifications for audit consumers.
// Implementations must not block; the queue producer is the production
// implementation.
type Events interface {
	PublishSyncEvent(ctx context.Context, ownerID, direction string, files, folders, failed int)
}

// Engine performs bidirectional VFS <-> host tree conversion.
type Engine struct {
	store  vfs.Store
	events Events
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEvents attaches a sync event sink. Completed working-copy pulls
// and pushes are published to it.
func WithEvents(events Events) EngineOption {
	return func(e *Engine) { e.events = events }
}

// NewEngine creates a sync engine over the given VFS store.
func NewEngine(store vfs.Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pull materializes the VFS subtree at anchor into hostRoot. Existing
// host files are overwritten unconditionally; host files without a VFS
// counterpart are left alone, so untracked build artifacts persist
// across pulls. Every computed host path is validated against the
// boundary before any write; escaping entries are skipped and logged.
func (e *Engine) Pull(ctx context.Context, ownerID string, anchor vfs.ProjectAnchor, hostRoot string) (*Report, error) {
	if err := os.MkdirAll(hostRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create host root: %w", err)
	}

	children, err := e.anchorChildren(ctx, ownerID, anchor)
	if err != nil {
		return nil, fmt.Errorf("list anchor children: %w", err)
	}

	boundary := hostpath.NewBoundary(hostRoot)
	report := &Report{}
	e.pullNodes(ctx, children, boundary, "", report)
	return report, nil
}

func (e *Engine) pullNodes(ctx context.Context, nodes []*vfs.Node, boundary hostpath.Boundary, relDir string, report *Report) {
	for _, node := range nodes {
		if pullIgnore[node.Name] {
			report.Skipped++
			continue
		}

		rel := filepath.Join(relDir, node.Name)
		hostPath, err := boundary.Resolve(rel)
		if err != nil {
			slog.Warn("pull: skipping node outside boundary",
				"node_id", node.ID,
				"name", node.Name,
				"error", err,
			)
			report.Failed++
			continue
		}

		switch node.Kind {
		case vfs.KindFolder:
			if err := os.MkdirAll(hostPath, 0o755); err != nil {
				slog.Warn("pull: create directory failed", "path", hostPath, "error", err)
				report.Failed++
				continue
			}
			report.Folders++

			children, err := e.store.Children(ctx, node.ID)
			if err != nil {
				slog.Warn("pull: list children failed", "node_id", node.ID, "error", err)
				report.Failed++
				continue
			}
			e.pullNodes(ctx, children, boundary, rel, report)

		case vfs.KindFile:
			if err := os.WriteFile(hostPath, node.Content, 0o644); err != nil {
				slog.Warn("pull: write file failed", "path", hostPath, "error", err)
				report.Failed++
				continue
			}
			report.Files++
		}
	}
}

// Push writes host-side changes back into the VFS subtree at anchor.
// It fails outright when hostRoot does not exist (nothing to push).
// File nodes are only rewritten when content differs, so pushing twice
// with no intervening host changes mutates nothing on the second call.
// A host entry whose VFS counterpart has the wrong kind replaces the
// stale node and its subtree.
func (e *Engine) Push(ctx context.Context, ownerID, hostRoot string, anchor vfs.ProjectAnchor) (*Report, error) {
	if _, err := os.Stat(hostRoot); err != nil {
		slog.Warn("push: host root missing, nothing to push", "path", hostRoot, "error", err)
		return nil, fmt.Errorf("host root %s: %w", hostRoot, err)
	}

	var parentID *string
	if rootID, ok := anchor.RootID(); ok {
		parentID = &rootID
	}

	report := &Report{}
	e.pushDir(ctx, ownerID, hostRoot, parentID, report)
	return report, nil
}

func (e *Engine) pushDir(ctx context.Context, ownerID, dir string, parentID *string, report *Report) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("push: read directory failed", "path", dir, "error", err)
		report.Failed++
		return
	}

	existing, err := e.childrenOf(ctx, ownerID, parentID)
	if err != nil {
		slog.Warn("push: list VFS children failed", "path", dir, "error", err)
		report.Failed++
		return
	}
	byName := make(map[string]*vfs.Node, len(existing))
	for _, node := range existing {
		byName[node.Name] = node
	}

	for _, entry := range entries {
		if pushIgnore[entry.Name()] {
			report.Skipped++
			continue
		}

		hostPath := filepath.Join(dir, entry.Name())

		switch {
		case entry.IsDir():
			folder, err := e.ensureFolder(ctx, ownerID, entry.Name(), parentID, byName[entry.Name()])
			if err != nil {
				slog.Warn("push: ensure folder failed", "path", hostPath, "error", err)
				report.Failed++
				continue
			}
			report.Folders++
			// Children need the committed parent id before recursing.
			e.pushDir(ctx, ownerID, hostPath, &folder.ID, report)

		case entry.Type().IsRegular():
			if err := e.pushFile(ctx, ownerID, hostPath, entry.Name(), parentID, byName[entry.Name()]); err != nil {
				slog.Warn("push: file failed", "path", hostPath, "error", err)
				report.Failed++
				continue
			}
			report.Files++

		default:
			// Symlinks and special files never enter the VFS.
			slog.Debug("push: skipping irregular entry", "path", hostPath)
			report.Skipped++
		}
	}
}

// ensureFolder finds or creates the VFS folder for a host directory.
// A stale node of the wrong kind is replaced, subtree included.
func (e *Engine) ensureFolder(ctx context.Context, ownerID, name string, parentID *string, match *vfs.Node) (*vfs.Node, error) {
	if match != nil {
		if match.Kind == vfs.KindFolder {
			return match, nil
		}
		if err := e.store.Delete(ctx, match.ID); err != nil {
			return nil, fmt.Errorf("replace stale node: %w", err)
		}
	}

	folder := vfs.NewFolder(ownerID, name, parentID)
	if err := e.store.Save(ctx, folder); err != nil {
		return nil, fmt.Errorf("save folder: %w", err)
	}
	return folder, nil
}

// pushFile writes one host file into the VFS, creating or updating its
// node. Content-equal files are left untouched to avoid updatedAt
// churn.
func (e *Engine) pushFile(ctx context.Context, ownerID, hostPath, name string, parentID *string, match *vfs.Node) error {
	content, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("read host file: %w", err)
	}

	if match != nil {
		if match.Kind == vfs.KindFile {
			if bytes.Equal(match.Content, content) {
				return nil
			}
			match.Content = content
			match.UpdatedAt = time.Now()
			if err := e.store.Save(ctx, match); err != nil {
				return fmt.Errorf("update file node: %w", err)
			}
			return nil
		}
		// A folder sits where a file is expected: replace, not merge.
		if err := e.store.Delete(ctx, match.ID); err != nil {
			return fmt.Errorf("replace stale node: %w", err)
		}
	}

	file := vfs.NewFile(ownerID, name, parentID, content)
	if err := e.store.Save(ctx, file); err != nil {
		return fmt.Errorf("save file node: %w", err)
	}
	return nil
}

// anchorChildren lists the nodes directly under the anchor.
func (e *Engine) anchorChildren(ctx context.Context, ownerID string, anchor vfs.ProjectAnchor) ([]*vfs.Node, error) {
	if rootID, ok := anchor.RootID(); ok {
		return e.store.Children(ctx, rootID)
	}
	return e.store.TopLevel(ctx, ownerID)
}

// childrenOf lists VFS children of parentID, falling back to the
// owner's top-level nodes for the implicit root.
func (e *Engine) childrenOf(ctx context.Context, ownerID string, parentID *string) ([]*vfs.Node, error) {
	if parentID != nil {
		return e.store.Children(ctx, *parentID)
	}
	return e.store.TopLevel(ctx, ownerID)
}

// PullWorkingCopy runs Pull for lifecycle callers that only need
// success or failure, logging the per-entry summary.
func (e *Engine) PullWorkingCopy(ctx context.Context, ownerID string, anchor vfs.ProjectAnchor, hostRoot string) error {
	report, err := e.Pull(ctx, ownerID, anchor, hostRoot)
	if err != nil {
		return err
	}
	slog.Info("pull complete",
		"owner", ownerID,
		"host_root", hostRoot,
		"files", report.Files,
		"folders", report.Folders,
		"failed", report.Failed,
	)
	if e.events != nil {
		e.events.PublishSyncEvent(ctx, ownerID, "pull", report.Files, report.Folders, report.Failed)
	}
	return nil
}

// PushWorkingCopy runs Push for lifecycle callers that only need
// success or failure, logging the per-entry summary.
func (e *Engine) PushWorkingCopy(ctx context.Context, ownerID, hostRoot string, anchor vfs.ProjectAnchor) error {
	report, err := e.Push(ctx, ownerID, hostRoot, anchor)
	if err != nil {
		return err
	}
	slog.Info("push complete",
		"owner", ownerID,
		"host_root", hostRoot,
		"files", report.Files,
		"folders", report.Folders,
		"failed", report.Failed,
	)
	if e.events != nil {
		e.events.PublishSyncEvent(ctx, ownerID, "push", report.Files, report.Folders, report.Failed)
	}
	return nil
}
