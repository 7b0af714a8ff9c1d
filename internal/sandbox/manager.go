package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeharbor/codeharbor/internal/hostpath"
	"github.com/codeharbor/codeharbor/internal/vfs"
)

const (
	// DefaultIdleTimeout is how long a sandbox survives without
	// activity before eviction.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultStopGrace is the bounded grace period for a graceful
	// container stop before force removal.
	DefaultStopGrace = 10 * time.Second
)

// Syncer is the slice of the sync engine the lifecycle manager needs:
// materialize a working copy before creation, write it back before
// teardown.
type Syncer interface {
	PullWorkingCopy(ctx context.Context, ownerID string, anchor vfs.ProjectAnchor, hostRoot string) error
	PushWorkingCopy(ctx context.Context, ownerID, hostRoot string, anchor vfs.ProjectAnchor) error
}

// Notifier receives lifecycle notifications. Implementations must not
// block; the queue producer is the production implementation.
type Notifier interface {
	SessionStarted(ctx context.Context, key Key, environment string)
	SessionStopped(ctx context.Context, key Key, reason string, syncErr error)
}

// Spec describes the session a caller wants realized into a sandbox.
type Spec struct {
	Key         Key
	Environment string
	ProjectSlug string
	Anchor      vfs.ProjectAnchor
}

// Manager owns the sandbox lifecycle: creation, reuse, idle eviction
// and forced cleanup. Per-key operations are mutually exclusive via a
// keyed lock, so a stop racing a create for the same key always
// observes a consistent timer/sandbox pair. The registry lock itself
// is only ever held for map mutation, never across I/O.
type Manager struct {
	registry *Registry
	backend  Backend
	resolver *hostpath.PathResolver
	syncer   Syncer
	catalog  *Catalog
	notifier Notifier

	idleTimeout time.Duration
	stopGrace   time.Duration

	mu       sync.Mutex
	keyLocks map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides the idle eviction timeout.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithStopGrace overrides the graceful stop period.
func WithStopGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.stopGrace = d }
}

// WithNotifier attaches a lifecycle notifier.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// NewManager creates a lifecycle manager.
func NewManager(registry *Registry, backend Backend, resolver *hostpath.PathResolver, syncer Syncer, catalog *Catalog, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:    registry,
		backend:     backend,
		resolver:    resolver,
		syncer:      syncer,
		catalog:     catalog,
		idleTimeout: DefaultIdleTimeout,
		stopGrace:   DefaultStopGrace,
		keyLocks:    make(map[Key]*keyLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockKey serializes lifecycle operations for one session key. The
// returned function releases the lock.
func (m *Manager) lockKey(key Key) func() {
	m.mu.Lock()
	kl, ok := m.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		m.keyLocks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.keyLocks, key)
		}
		m.mu.Unlock()
	}
}

// EnsureSandbox returns a live sandbox session for the spec, reusing a
// verified-live existing one or creating a fresh one. The working copy
// is materialized with a pull before every creation, so a sandbox never
// starts over an empty or out-of-date tree. On any creation failure no
// registry entry is left behind.
func (m *Manager) EnsureSandbox(ctx context.Context, spec Spec) (*Session, error) {
	unlock := m.lockKey(spec.Key)
	defer unlock()

	if sess, ok := m.registry.Get(spec.Key); ok {
		live, err := m.backend.IsRunning(ctx, sess.ContainerID)
		if err == nil && live {
			sess.Touch()
			m.resetIdleTimer(sess)
			return sess, nil
		}

		// Stale entry: the container died underneath us. Dispose
		// best-effort and fall through to creation.
		slog.Warn("removing stale session", "key", spec.Key.String(), "container_id", shortID(sess.ContainerID), "error", err)
		m.registry.Remove(spec.Key)
		sess.cancelIdleTimer()
		if sess.ContainerID != "" {
			if rmErr := m.backend.StopContainer(ctx, sess.ContainerID, 0); rmErr != nil {
				slog.Warn("stale container disposal failed", "container_id", shortID(sess.ContainerID), "error", rmErr)
			}
		}
	}

	boundary, err := m.resolver.ProjectBoundary(spec.Key.OwnerID, spec.ProjectSlug)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve working directory: %v", ErrSandboxCreation, err)
	}

	// Materialize the working copy before any code can execute against
	// it. Pull runs on every creation, not just the first: it is
	// additive over an existing tree, so untracked host artifacts
	// survive while VFS-side edits made between sessions still land.
	if err := m.syncer.PullWorkingCopy(ctx, spec.Key.OwnerID, spec.Anchor, boundary.Root); err != nil {
		return nil, fmt.Errorf("%w: pull working copy: %v", ErrSandboxCreation, err)
	}

	env := m.catalog.Lookup(spec.Environment)
	containerID, err := m.backend.CreateContainer(ctx, ContainerName(spec.Key), env, boundary.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxCreation, err)
	}

	sess := &Session{
		Key:         spec.Key,
		ContainerID: containerID,
		Environment: env.Kind,
		ProjectSlug: spec.ProjectSlug,
		Anchor:      spec.Anchor,
		Boundary:    boundary,
		CreatedAt:   time.Now(),
	}
	sess.Touch()

	// Registration is the single point of visibility; the key lock
	// guarantees no concurrent writer, but dispose a replaced entry
	// anyway per the registry contract.
	if prev := m.registry.Put(spec.Key, sess); prev != nil {
		prev.cancelIdleTimer()
		if prev.ContainerID != "" {
			_ = m.backend.StopContainer(ctx, prev.ContainerID, 0)
		}
	}
	m.armIdleTimer(sess)

	slog.Info("sandbox created",
		"key", spec.Key.String(),
		"container_id", shortID(containerID),
		"environment", env.Kind,
		"workdir", boundary.Root,
	)

	if m.notifier != nil {
		m.notifier.SessionStarted(ctx, spec.Key, env.Kind)
	}

	return sess, nil
}

// StopSandbox tears down the session for key. With shouldSync, the
// working copy is pushed back to the VFS first; a push failure is
// logged but never blocks teardown, trading a data-loss risk for
// guaranteed resource reclamation.
func (m *Manager) StopSandbox(ctx context.Context, key Key, shouldSync bool) error {
	return m.stop(ctx, key, nil, shouldSync, "stopped")
}

// stop tears down the registered session for key under the key lock.
// A non-nil expect pins the call to one specific session: if another
// session holds the key by the time the lock is acquired, stop is a
// no-op. Stale idle-timer fires pass their session here so a fire that
// lost the lock race to a stop+create pair never tears down the fresh
// replacement.
func (m *Manager) stop(ctx context.Context, key Key, expect *Session, shouldSync bool, reason string) error {
	unlock := m.lockKey(key)
	defer unlock()

	sess, ok := m.registry.Get(key)
	if !ok {
		return ErrSessionNotFound
	}
	if expect != nil && sess != expect {
		return ErrSessionNotFound
	}

	var syncErr error
	if shouldSync {
		syncErr = m.syncer.PushWorkingCopy(ctx, key.OwnerID, sess.Boundary.Root, sess.Anchor)
		if syncErr != nil {
			slog.Error("push before teardown failed, continuing with removal",
				"key", key.String(),
				"error", syncErr,
			)
		}
	}

	if sess.ContainerID != "" {
		if err := m.backend.StopContainer(ctx, sess.ContainerID, m.stopGrace); err != nil {
			slog.Warn("container teardown failed", "container_id", shortID(sess.ContainerID), "error", err)
		}
	}

	m.registry.Remove(key)
	sess.cancelIdleTimer()

	slog.Info("sandbox stopped", "key", key.String(), "reason", reason)

	if m.notifier != nil {
		m.notifier.SessionStopped(ctx, key, reason, syncErr)
	}

	return nil
}

// CleanupAll sweeps every registered session, syncing and tearing each
// down. One failure never aborts the sweep; the combined error is
// returned for logging.
func (m *Manager) CleanupAll(ctx context.Context) error {
	var errs []error
	for _, key := range m.registry.Keys() {
		if err := m.stop(ctx, key, nil, true, "shutdown"); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, fmt.Errorf("stop %s: %w", key.String(), err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate force-removes a session without syncing, disposing its
// container best-effort. Used by the executor when a sandbox proves
// unreachable and must be recreated.
func (m *Manager) Invalidate(ctx context.Context, key Key) {
	unlock := m.lockKey(key)
	defer unlock()

	sess, ok := m.registry.Remove(key)
	if !ok {
		return
	}
	sess.cancelIdleTimer()
	if sess.ContainerID != "" {
		if err := m.backend.StopContainer(ctx, sess.ContainerID, 0); err != nil {
			slog.Warn("invalidate: container disposal failed", "container_id", shortID(sess.ContainerID), "error", err)
		}
	}
}

// Exec runs a one-shot command in the session's sandbox and counts it
// as activity.
func (m *Manager) Exec(ctx context.Context, sess *Session, cmd []string, workDir string, timeout time.Duration) (*ExecResult, error) {
	result, err := m.backend.Exec(ctx, sess.ContainerID, cmd, workDir, timeout)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	m.resetIdleTimer(sess)
	return result, nil
}

// AttachShell opens an interactive shell in the session's sandbox.
func (m *Manager) AttachShell(ctx context.Context, sess *Session, cols, rows uint) (*Shell, error) {
	shell, err := m.backend.AttachShell(ctx, sess.ContainerID, WorkspaceMount, cols, rows)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	m.resetIdleTimer(sess)
	return shell, nil
}

// RecordActivity marks the session live and pushes its eviction out.
// Shell input and terminal resizes land here.
func (m *Manager) RecordActivity(sess *Session) {
	sess.Touch()
	m.resetIdleTimer(sess)
}

// armIdleTimer schedules eviction for a newly registered session.
// Caller holds the key lock.
func (m *Manager) armIdleTimer(sess *Session) {
	key := sess.Key
	sess.armIdleTimer(m.idleTimeout, func() {
		m.evict(key, sess)
	})
}

func (m *Manager) resetIdleTimer(sess *Session) {
	sess.resetIdleTimer(m.idleTimeout)
}

// evict fires on idle timeout. Timers are canceled whenever a session
// leaves the registry, but a fire can still race a removal. The cheap
// pre-check filters the common stale case; the authoritative identity
// check happens inside stop, under the key lock, so a fire that passes
// here and then loses the lock to a stop+create pair still no-ops
// instead of tearing down the replacement session.
func (m *Manager) evict(key Key, sess *Session) {
	if cur, ok := m.registry.Get(key); !ok || cur != sess {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	slog.Info("idle timeout, evicting sandbox", "key", key.String(), "last_activity", sess.LastActivity())
	if err := m.stop(ctx, key, sess, true, "evicted"); err != nil && !errors.Is(err, ErrSessionNotFound) {
		// Fail-open on cleanup: the entry must not outlive a broken
		// sandbox.
		slog.Error("idle eviction failed, force-removing entry", "key", key.String(), "error", err)
		if cur, ok := m.registry.Get(key); ok && cur == sess {
			m.registry.Remove(key)
			sess.cancelIdleTimer()
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
