package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeharbor/codeharbor/internal/vfs"
)

const nodeColumns = `id, owner_id, name, kind, content, parent_id,
	is_template, template_kind, shared_with, created_at, updated_at`

// VfsStore implements vfs.Store backed by SQLite. It serves local
// daemon deployments; the Postgres repository serves servers.
type VfsStore struct {
	db *DB
}

// NewVfsStore creates a SQLite-backed VFS store.
func NewVfsStore(db *DB) *VfsStore {
	return &VfsStore{db: db}
}

var _ vfs.Store = (*VfsStore)(nil)

// Save persists a node (insert or update by id).
func (s *VfsStore) Save(ctx context.Context, node *vfs.Node) error {
	shared, err := json.Marshal(node.SharedWith)
	if err != nil {
		return fmt.Errorf("marshal shared_with: %w", err)
	}
	if node.SharedWith == nil {
		shared = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vfs_nodes (id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, kind=excluded.kind, content=excluded.content,
			parent_id=excluded.parent_id, shared_with=excluded.shared_with,
			updated_at=excluded.updated_at`,
		node.ID, node.OwnerID, node.Name, string(node.Kind), node.Content,
		node.ParentID, boolToInt(node.IsTemplate), templateKindString(node.TemplateKind),
		string(shared), node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// Get retrieves a node by id.
func (s *VfsStore) Get(ctx context.Context, id string) (*vfs.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM vfs_nodes WHERE id = ?`, id)
	return scanNode(row)
}

// Delete removes a node; the parent_id cascade takes the subtree with
// it.
func (s *VfsStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vfs_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return vfs.ErrNotFound
	}
	return nil
}

// Children lists the direct children of a node.
func (s *VfsStore) Children(ctx context.Context, parentID string) ([]*vfs.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM vfs_nodes WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// TopLevel lists the owner's parentless non-template nodes.
func (s *VfsStore) TopLevel(ctx context.Context, ownerID string) ([]*vfs.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM vfs_nodes
		WHERE parent_id IS NULL AND owner_id = ? AND is_template = 0
		ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query top level: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ProjectRoot finds the project root for (ownerID, name).
func (s *VfsStore) ProjectRoot(ctx context.Context, ownerID, name string) (*vfs.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM vfs_nodes
		WHERE parent_id IS NULL AND owner_id = ? AND name = ?
			AND kind = 'folder' AND is_template = 0`, ownerID, name)
	node, err := scanNode(row)
	if errors.Is(err, vfs.ErrNotFound) {
		return nil, vfs.ErrProjectNotFound
	}
	return node, err
}

// SharedRoots lists project roots shared with userID. The share list
// is a JSON column; roots are filtered in Go to keep the query
// portable.
func (s *VfsStore) SharedRoots(ctx context.Context, userID string) ([]*vfs.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM vfs_nodes
		WHERE parent_id IS NULL AND kind = 'folder' AND is_template = 0
			AND shared_with != '[]'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query shared roots: %w", err)
	}
	defer rows.Close()

	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}

	var out []*vfs.Node
	for _, node := range nodes {
		if _, ok := node.SharedPermission(userID); ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// SystemTemplates lists system template roots.
func (s *VfsStore) SystemTemplates(ctx context.Context) ([]*vfs.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM vfs_nodes
		WHERE parent_id IS NULL AND is_template = 1 AND template_kind = 'system'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query system templates: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*vfs.Node, error) {
	var (
		node         vfs.Node
		kind         string
		parentID     sql.NullString
		isTemplate   int
		templateKind sql.NullString
		shared       string
	)
	err := row.Scan(&node.ID, &node.OwnerID, &node.Name, &kind, &node.Content,
		&parentID, &isTemplate, &templateKind, &shared,
		&node.CreatedAt, &node.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vfs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}

	node.Kind = vfs.Kind(kind)
	node.IsTemplate = isTemplate != 0
	if parentID.Valid {
		node.ParentID = &parentID.String
	}
	if templateKind.Valid {
		tk := vfs.TemplateKind(templateKind.String)
		node.TemplateKind = &tk
	}
	if shared != "" && shared != "[]" {
		if err := json.Unmarshal([]byte(shared), &node.SharedWith); err != nil {
			return nil, fmt.Errorf("unmarshal shared_with: %w", err)
		}
	}

	return &node, nil
}

func scanNodes(rows *sql.Rows) ([]*vfs.Node, error) {
	var out []*vfs.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func templateKindString(tk *vfs.TemplateKind) any {
	if tk == nil {
		return nil
	}
	return string(*tk)
}
