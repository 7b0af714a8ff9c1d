package sandbox

import "sync"

// Registry is the concurrent map of live sessions, keyed by
// (owner, session). It is the only mutable shared state in the core.
// The internal lock guards pointer swaps only; sandbox creation and
// destruction happen outside it. Put does not dispose a replaced
// entry's sandbox: the caller owns that, so an overwrite can never
// silently leak a container.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Key]*Session)}
}

// Get returns the session for key, if registered.
func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Put registers a session, replacing any prior entry for the key. The
// replaced entry is returned so the caller can dispose it.
func (r *Registry) Put(key Key, session *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[key]
	r.sessions[key] = session
	return prev
}

// Remove unregisters and returns the session for key, if present.
func (r *Registry) Remove(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	return s, ok
}

// Keys returns a snapshot of all registered keys for bulk sweeps.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
