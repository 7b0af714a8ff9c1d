package vfs

import (
	"context"
	"errors"
	"fmt"
)

// Gate decides whether an actor may read or write a project. The check
// runs against the store on every call so that revoking a share takes
// effect immediately; results are never cached across requests.
type Gate struct {
	store Store
}

// NewGate creates a permission gate over the given store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Check reports whether actorID holds the required permission on the
// project (ownerID, projectSlug). The owner always passes. For anyone
// else the project root's share list decides; a write grant also
// satisfies read. Returns ErrProjectNotFound when the project root does
// not exist, which is distinct from a false result.
func (g *Gate) Check(ctx context.Context, actorID, ownerID, projectSlug string, required Permission) (bool, error) {
	if actorID == ownerID {
		return true, nil
	}

	root, err := g.store.ProjectRoot(ctx, ownerID, projectSlug)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return false, ErrProjectNotFound
		}
		return false, fmt.Errorf("look up project root: %w", err)
	}

	granted, ok := root.SharedPermission(actorID)
	if !ok {
		return false, nil
	}
	return granted.Satisfies(required), nil
}
