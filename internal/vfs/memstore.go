package vfs

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store implementation. It backs tests and
// ephemeral deployments where no database is configured.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[string]*Node)}
}

func (s *MemStore) Save(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *node
	s.nodes[node.ID] = &copied
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *node
	return &copied, nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return ErrNotFound
	}
	s.deleteSubtree(id)
	return nil
}

// deleteSubtree removes a node and all descendants. Caller holds the lock.
func (s *MemStore) deleteSubtree(id string) {
	for childID, node := range s.nodes {
		if node.ParentID != nil && *node.ParentID == id {
			s.deleteSubtree(childID)
		}
	}
	delete(s.nodes, id)
}

func (s *MemStore) Children(ctx context.Context, parentID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, node := range s.nodes {
		if node.ParentID != nil && *node.ParentID == parentID {
			copied := *node
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) TopLevel(ctx context.Context, ownerID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, node := range s.nodes {
		if node.ParentID == nil && node.OwnerID == ownerID && !node.IsTemplate {
			copied := *node
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) ProjectRoot(ctx context.Context, ownerID, name string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.IsProjectRoot() && node.OwnerID == ownerID && node.Name == name {
			copied := *node
			return &copied, nil
		}
	}
	return nil, ErrProjectNotFound
}

func (s *MemStore) SharedRoots(ctx context.Context, userID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, node := range s.nodes {
		if !node.IsProjectRoot() {
			continue
		}
		if _, ok := node.SharedPermission(userID); ok {
			copied := *node
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) SystemTemplates(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, node := range s.nodes {
		if node.ParentID == nil && node.IsTemplate && node.TemplateKind != nil && *node.TemplateKind == TemplateSystem {
			copied := *node
			out = append(out, &copied)
		}
	}
	return out, nil
}
