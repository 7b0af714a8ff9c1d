package vfs

import "context"

// Store defines the persistence interface for the virtual file system
// tree. Implementations live in internal/storage/postgres (servers)
// and internal/storage/sqlite (local mode).
type Store interface {
	// Save persists a node (insert or update by id).
	Save(ctx context.Context, node *Node) error
	// Get retrieves a node by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Node, error)
	// Delete removes a node and its entire subtree.
	Delete(ctx context.Context, id string) error

	// Children lists the direct children of a node.
	Children(ctx context.Context, parentID string) ([]*Node, error)
	// TopLevel lists the owner's parentless nodes, excluding templates.
	TopLevel(ctx context.Context, ownerID string) ([]*Node, error)
	// ProjectRoot finds the project root for (ownerID, name). Returns
	// ErrProjectNotFound if absent.
	ProjectRoot(ctx context.Context, ownerID, name string) (*Node, error)
	// SharedRoots lists project roots shared with userID.
	SharedRoots(ctx context.Context, userID string) ([]*Node, error)
	// SystemTemplates lists system template roots.
	SystemTemplates(ctx context.Context) ([]*Node, error)
}
