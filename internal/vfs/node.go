package vfs

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes file nodes from folder nodes.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Permission is the access level granted by a share entry.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Satisfies reports whether a granted permission covers a required one.
// Write implies read.
func (p Permission) Satisfies(required Permission) bool {
	if p == PermissionWrite {
		return true
	}
	return p == PermissionRead && required == PermissionRead
}

// TemplateKind marks the origin of a template root.
type TemplateKind string

const (
	TemplateSystem TemplateKind = "system"
	TemplateUser   TemplateKind = "user"
)

// ShareEntry grants one user access to a project root. Only project
// roots carry share entries; children inherit through the owning tree.
type ShareEntry struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
}

// Node is one record of the database-backed virtual file system. A node
// with no parent, folder kind and no template flag is a project root,
// unique per (owner, name). A system template root has an empty OwnerID.
type Node struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Name         string        `json:"name"`
	Kind         Kind          `json:"kind"`
	Content      []byte        `json:"content,omitempty"`
	ParentID     *string       `json:"parent_id,omitempty"`
	IsTemplate   bool          `json:"is_template"`
	TemplateKind *TemplateKind `json:"template_kind,omitempty"`
	SharedWith   []ShareEntry  `json:"shared_with,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// IsProjectRoot reports whether the node anchors a project tree.
func (n *Node) IsProjectRoot() bool {
	return n.ParentID == nil && n.Kind == KindFolder && !n.IsTemplate
}

// SharedPermission returns the permission granted to userID on this
// root, if any.
func (n *Node) SharedPermission(userID string) (Permission, bool) {
	for _, entry := range n.SharedWith {
		if entry.UserID == userID {
			return entry.Permission, true
		}
	}
	return "", false
}

// NewFolder creates an unsaved folder node under the given parent.
// A nil parent creates a top-level folder.
func NewFolder(ownerID, name string, parentID *string) *Node {
	now := time.Now()
	return &Node{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		Kind:      KindFolder,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewFile creates an unsaved file node under the given parent.
func NewFile(ownerID, name string, parentID *string, content []byte) *Node {
	now := time.Now()
	return &Node{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		Kind:      KindFile,
		Content:   content,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ProjectAnchor identifies where a sync or resolution operation is
// rooted: either an explicit project root node, or the owner's implicit
// top-level scratch space.
type ProjectAnchor struct {
	rootID string
}

// ExplicitRoot anchors at a concrete project root node.
func ExplicitRoot(rootID string) ProjectAnchor {
	return ProjectAnchor{rootID: rootID}
}

// OwnerTopLevel anchors at the owner's top-level nodes (no project).
func OwnerTopLevel() ProjectAnchor {
	return ProjectAnchor{}
}

// RootID returns the anchored root node id. ok is false for the
// owner's top-level anchor.
func (a ProjectAnchor) RootID() (string, bool) {
	return a.rootID, a.rootID != ""
}

var (
	ErrNotFound         = errors.New("node not found")
	ErrAlreadyExists    = errors.New("node already exists")
	ErrProjectNotFound  = errors.New("project not found")
	ErrPermissionDenied = errors.New("permission denied")
)
