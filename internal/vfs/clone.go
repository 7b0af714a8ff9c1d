package vfs

import (
	"context"
	"errors"
	"fmt"
)

// CloneTree copies the subtree rooted at templateRootID into a fresh
// project tree owned by ownerID, named name. The clone strips template
// metadata so the result is an ordinary project root. Fails with
// ErrAlreadyExists when the owner already has a project of that name.
func CloneTree(ctx context.Context, store Store, templateRootID, ownerID, name string) (*Node, error) {
	src, err := store.Get(ctx, templateRootID)
	if err != nil {
		return nil, fmt.Errorf("load template root: %w", err)
	}
	if src.Kind != KindFolder {
		return nil, fmt.Errorf("template root %s: %w", templateRootID, ErrNotFound)
	}

	if _, err := store.ProjectRoot(ctx, ownerID, name); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrProjectNotFound) {
		return nil, fmt.Errorf("check project name: %w", err)
	}

	root := NewFolder(ownerID, name, nil)
	if err := store.Save(ctx, root); err != nil {
		return nil, fmt.Errorf("save project root: %w", err)
	}

	if err := cloneChildren(ctx, store, src.ID, root.ID, ownerID); err != nil {
		// Leave no partial project behind.
		_ = store.Delete(ctx, root.ID)
		return nil, err
	}

	return root, nil
}

func cloneChildren(ctx context.Context, store Store, srcParentID, dstParentID, ownerID string) error {
	children, err := store.Children(ctx, srcParentID)
	if err != nil {
		return fmt.Errorf("list template children: %w", err)
	}

	for _, child := range children {
		var clone *Node
		switch child.Kind {
		case KindFolder:
			clone = NewFolder(ownerID, child.Name, &dstParentID)
		case KindFile:
			clone = NewFile(ownerID, child.Name, &dstParentID, child.Content)
		default:
			continue
		}
		if err := store.Save(ctx, clone); err != nil {
			return fmt.Errorf("save cloned node %s: %w", child.Name, err)
		}
		if child.Kind == KindFolder {
			if err := cloneChildren(ctx, store, child.ID, clone.ID, ownerID); err != nil {
				return err
			}
		}
	}
	return nil
}
