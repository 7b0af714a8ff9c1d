package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"

	"github.com/codeharbor/codeharbor/internal/vfs"
)

// VfsStore implements vfs.Store using PostgreSQL. It is the store for
// server deployments; local daemons use the SQLite store instead.
type VfsStore struct {
	pool *pgxpool.Pool
}

// NewVfsStore creates a PostgreSQL-backed VFS store.
func NewVfsStore(pool *pgxpool.Pool) *VfsStore {
	return &VfsStore{pool: pool}
}

var _ vfs.Store = (*VfsStore)(nil)

// EnsureSchema creates the vfs_nodes table and its indexes if they do
// not exist yet.
func (s *VfsStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vfs_nodes (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			name          TEXT NOT NULL,
			kind          TEXT NOT NULL CHECK (kind IN ('file', 'folder')),
			content       BYTEA,
			parent_id     TEXT REFERENCES vfs_nodes(id) ON DELETE CASCADE,
			is_template   BOOLEAN NOT NULL DEFAULT FALSE,
			template_kind TEXT,
			shared_with   JSONB NOT NULL DEFAULT '[]',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vfs_nodes_parent ON vfs_nodes(parent_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_vfs_project_roots
			ON vfs_nodes(owner_id, name)
			WHERE parent_id IS NULL AND is_template = FALSE`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Save persists a node (insert or update by id).
func (s *VfsStore) Save(ctx context.Context, node *vfs.Node) error {
	shared, err := marshalShares(node.SharedWith)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO vfs_nodes (id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind,
			content = EXCLUDED.content, parent_id = EXCLUDED.parent_id,
			shared_with = EXCLUDED.shared_with, updated_at = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		node.ID, node.OwnerID, node.Name, string(node.Kind), node.Content,
		node.ParentID, node.IsTemplate, templateKindString(node.TemplateKind),
		shared, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// Get retrieves a node by id.
func (s *VfsStore) Get(ctx context.Context, id string) (*vfs.Node, error) {
	query := `
		SELECT id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at
		FROM vfs_nodes WHERE id = $1
	`
	return s.scanNode(s.pool.QueryRow(ctx, query, id))
}

// Delete removes a node; the parent_id cascade removes its subtree.
func (s *VfsStore) Delete(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM vfs_nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if result.RowsAffected() == 0 {
		return vfs.ErrNotFound
	}
	return nil
}

// Children lists the direct children of a node.
func (s *VfsStore) Children(ctx context.Context, parentID string) ([]*vfs.Node, error) {
	query := `
		SELECT id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at
		FROM vfs_nodes WHERE parent_id = $1
		ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

// TopLevel lists the owner's parentless non-template nodes.
func (s *VfsStore) TopLevel(ctx context.Context, ownerID string) ([]*vfs.Node, error) {
	query := `
		SELECT id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at
		FROM vfs_nodes
		WHERE parent_id IS NULL AND owner_id = $1 AND is_template = FALSE
		ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query top level: %w", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

// ProjectRoot finds the project root for (ownerID, name).
func (s *VfsStore) ProjectRoot(ctx context.Context, ownerID, name string) (*vfs.Node, error) {
	query := `
		SELECT id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at
		FROM vfs_nodes
		WHERE parent_id IS NULL AND owner_id = $1 AND name = $2
			AND kind = 'folder' AND is_template = FALSE
	`
	node, err := s.scanNode(s.pool.QueryRow(ctx, query, ownerID, name))
	if errors.Is(err, vfs.ErrNotFound) {
		return nil, vfs.ErrProjectNotFound
	}
	return node, err
}

// SharedRoots lists project roots shared with userID, using JSONB
// containment on the share list.
func (s *VfsStore) SharedRoots(ctx context.Context, userID string) ([]*vfs.Node, error) {
	query := `
		SELECT id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at
		FROM vfs_nodes
		WHERE parent_id IS NULL AND kind = 'folder' AND is_template = FALSE
			AND shared_with @> $1
		ORDER BY name
	`
	probe, err := json.Marshal([]map[string]string{{"user_id": userID}})
	if err != nil {
		return nil, fmt.Errorf("marshal share probe: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, probe)
	if err != nil {
		return nil, fmt.Errorf("query shared roots: %w", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

// SystemTemplates lists system template roots.
func (s *VfsStore) SystemTemplates(ctx context.Context) ([]*vfs.Node, error) {
	query := `
		SELECT id, owner_id, name, kind, content, parent_id,
			is_template, template_kind, shared_with, created_at, updated_at
		FROM vfs_nodes
		WHERE parent_id IS NULL AND is_template = TRUE AND template_kind = 'system'
		ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query system templates: %w", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

func (s *VfsStore) scanNode(row pgx.Row) (*vfs.Node, error) {
	var (
		node         vfs.Node
		kind         string
		templateKind *string
		shared       pqtype.NullRawMessage
	)
	err := row.Scan(&node.ID, &node.OwnerID, &node.Name, &kind, &node.Content,
		&node.ParentID, &node.IsTemplate, &templateKind, &shared,
		&node.CreatedAt, &node.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vfs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}

	node.Kind = vfs.Kind(kind)
	if templateKind != nil {
		tk := vfs.TemplateKind(*templateKind)
		node.TemplateKind = &tk
	}
	if shared.Valid && len(shared.RawMessage) > 0 {
		if err := json.Unmarshal(shared.RawMessage, &node.SharedWith); err != nil {
			return nil, fmt.Errorf("unmarshal shared_with: %w", err)
		}
	}

	return &node, nil
}

func (s *VfsStore) scanNodes(rows pgx.Rows) ([]*vfs.Node, error) {
	var out []*vfs.Node
	for rows.Next() {
		node, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func marshalShares(shares []vfs.ShareEntry) ([]byte, error) {
	if shares == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(shares)
	if err != nil {
		return nil, fmt.Errorf("marshal shared_with: %w", err)
	}
	return data, nil
}

func templateKindString(tk *vfs.TemplateKind) *string {
	if tk == nil {
		return nil
	}
	s := string(*tk)
	return &s
}
