package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/codeharbor/codeharbor/internal/hostpath"
	"github.com/codeharbor/codeharbor/internal/vfs"
)

// fakeBackend is a Backend that tracks containers in memory.
type fakeBackend struct {
	mu           sync.Mutex
	nextID       int
	running      map[string]bool
	created      int
	stopped      []string
	createErr    error
	execErr      error
	execFailures int
	execResult   *ExecResult
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: map[string]bool{}}
}

func (f *fakeBackend) CreateContainer(ctx context.Context, name string, env Environment, hostWorkDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = true
	return id, nil
}

func (f *fakeBackend) IsRunning(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID], nil
}

func (f *fakeBackend) Exec(ctx context.Context, containerID string, cmd []string, workDir string, timeout time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execFailures > 0 {
		f.execFailures--
		return nil, errors.New("exec transport closed")
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResult != nil {
		return f.execResult, nil
	}
	return &ExecResult{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeBackend) AttachShell(ctx context.Context, containerID, workDir string, cols, rows uint) (*Shell, error) {
	return nil, errors.New("not supported in fake")
}

func (f *fakeBackend) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) kill(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
}

func (f *fakeBackend) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// fakeSyncer records pull/push calls and materializes the host root.
type fakeSyncer struct {
	mu      sync.Mutex
	pulls   int
	pushes  int
	pushErr error
}

func (f *fakeSyncer) PullWorkingCopy(ctx context.Context, ownerID string, anchor vfs.ProjectAnchor, hostRoot string) error {
	f.mu.Lock()
	f.pulls++
	f.mu.Unlock()
	return os.MkdirAll(hostRoot, 0o755)
}

func (f *fakeSyncer) PushWorkingCopy(ctx context.Context, ownerID, hostRoot string, anchor vfs.ProjectAnchor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return f.pushErr
}

type notifierCall struct {
	event   string
	key     Key
	reason  string
	syncErr error
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
}

func (f *fakeNotifier) SessionStarted(ctx context.Context, key Key, environment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifierCall{event: "started", key: key})
}

func (f *fakeNotifier) SessionStopped(ctx context.Context, key Key, reason string, syncErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifierCall{event: "stopped", key: key, reason: reason, syncErr: syncErr})
}

type managerFixture struct {
	manager  *Manager
	registry *Registry
	backend  *fakeBackend
	syncer   *fakeSyncer
	notifier *fakeNotifier
}

func newManagerFixture(t *testing.T, opts ...ManagerOption) *managerFixture {
	t.Helper()
	registry := NewRegistry()
	backend := newFakeBackend()
	syncer := &fakeSyncer{}
	notifier := &fakeNotifier{}
	resolver := hostpath.NewPathResolver(t.TempDir())

	opts = append([]ManagerOption{WithNotifier(notifier)}, opts...)
	manager := NewManager(registry, backend, resolver, syncer, NewCatalog(), opts...)
	return &managerFixture{
		manager:  manager,
		registry: registry,
		backend:  backend,
		syncer:   syncer,
		notifier: notifier,
	}
}

func testSpec() Spec {
	return Spec{
		Key:         Key{OwnerID: "alice", SessionID: "s1"},
		Environment: "python",
		ProjectSlug: "proj",
		Anchor:      vfs.OwnerTopLevel(),
	}
}

func TestEnsureSandboxCreatesAndReuses(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	first, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	if first.ContainerID == "" {
		t.Fatal("no container id")
	}
	if fx.syncer.pulls != 1 {
		t.Errorf("pulls = %d, want 1 (before first creation)", fx.syncer.pulls)
	}

	second, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("second EnsureSandbox: %v", err)
	}
	if second != first {
		t.Error("live sandbox must be reused, not recreated")
	}
	if fx.backend.createdCount() != 1 {
		t.Errorf("created = %d, want 1", fx.backend.createdCount())
	}
	if fx.syncer.pulls != 1 {
		t.Errorf("pulls = %d, want 1 (reusing a live sandbox never re-pulls)", fx.syncer.pulls)
	}
}

func TestEnsureSandboxPullsBeforeEveryCreation(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	if err := fx.manager.StopSandbox(ctx, spec.Key, true); err != nil {
		t.Fatalf("StopSandbox: %v", err)
	}

	// The working copy still exists on disk, but a fresh session must
	// pull again so VFS edits made between sessions reach it.
	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("second EnsureSandbox: %v", err)
	}
	if fx.syncer.pulls != 2 {
		t.Errorf("pulls = %d, want 2 (pull precedes every creation)", fx.syncer.pulls)
	}
	if fx.backend.createdCount() != 2 {
		t.Errorf("created = %d, want 2", fx.backend.createdCount())
	}
}

func TestEnsureSandboxRecreatesDeadContainer(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	first, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	fx.backend.kill(first.ContainerID)

	second, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox after death: %v", err)
	}
	if second == first || second.ContainerID == first.ContainerID {
		t.Error("dead sandbox must be replaced")
	}
	if fx.registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1", fx.registry.Len())
	}
}

func TestEnsureSandboxCreationFailureLeavesNoEntry(t *testing.T) {
	fx := newManagerFixture(t)
	fx.backend.createErr = errors.New("image pull failed")
	ctx := context.Background()

	_, err := fx.manager.EnsureSandbox(ctx, testSpec())
	if !errors.Is(err, ErrSandboxCreation) {
		t.Fatalf("error = %v, want ErrSandboxCreation", err)
	}
	if fx.registry.Len() != 0 {
		t.Error("failed creation must leave no registry entry")
	}
}

func TestEnsureSandboxRejectsTraversal(t *testing.T) {
	fx := newManagerFixture(t)
	spec := testSpec()
	spec.ProjectSlug = "../escape"

	_, err := fx.manager.EnsureSandbox(context.Background(), spec)
	if !errors.Is(err, ErrSandboxCreation) {
		t.Fatalf("error = %v, want ErrSandboxCreation", err)
	}
	if fx.backend.createdCount() != 0 {
		t.Error("no container may be created for a traversing slug")
	}
}

func TestStopSandboxSyncsAndRemoves(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	if err := fx.manager.StopSandbox(ctx, spec.Key, true); err != nil {
		t.Fatalf("StopSandbox: %v", err)
	}
	if fx.syncer.pushes != 1 {
		t.Errorf("pushes = %d, want 1", fx.syncer.pushes)
	}
	if fx.registry.Len() != 0 {
		t.Error("stopped session must leave the registry")
	}
	if len(fx.backend.stopped) != 1 {
		t.Errorf("stopped containers = %d, want 1", len(fx.backend.stopped))
	}
}

func TestStopSandboxFailOpenOnPushError(t *testing.T) {
	fx := newManagerFixture(t)
	fx.syncer.pushErr = errors.New("store down")
	ctx := context.Background()
	spec := testSpec()

	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	// Teardown proceeds despite the failed push.
	if err := fx.manager.StopSandbox(ctx, spec.Key, true); err != nil {
		t.Fatalf("StopSandbox: %v", err)
	}
	if fx.registry.Len() != 0 {
		t.Error("teardown must complete despite sync failure")
	}

	// The stop notification carries the sync error for audit.
	fx.notifier.mu.Lock()
	defer fx.notifier.mu.Unlock()
	var stopCall *notifierCall
	for i := range fx.notifier.calls {
		if fx.notifier.calls[i].event == "stopped" {
			stopCall = &fx.notifier.calls[i]
		}
	}
	if stopCall == nil {
		t.Fatal("no stopped notification")
	}
	if stopCall.syncErr == nil {
		t.Error("stopped notification must carry the sync error")
	}
}

func TestStopSandboxMissingSession(t *testing.T) {
	fx := newManagerFixture(t)

	err := fx.manager.StopSandbox(context.Background(), Key{OwnerID: "x", SessionID: "y"}, false)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestStopSandboxWithoutSyncSkipsPush(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	if err := fx.manager.StopSandbox(ctx, spec.Key, false); err != nil {
		t.Fatalf("StopSandbox: %v", err)
	}
	if fx.syncer.pushes != 0 {
		t.Errorf("pushes = %d, want 0", fx.syncer.pushes)
	}
}

func TestIdleEviction(t *testing.T) {
	fx := newManagerFixture(t, WithIdleTimeout(30*time.Millisecond))
	ctx := context.Background()
	spec := testSpec()

	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for fx.registry.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("idle session was never evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if fx.syncer.pushes != 1 {
		t.Errorf("pushes = %d, want 1 (eviction syncs)", fx.syncer.pushes)
	}
}

func TestActivityDefersEviction(t *testing.T) {
	fx := newManagerFixture(t, WithIdleTimeout(80*time.Millisecond))
	ctx := context.Background()
	spec := testSpec()

	sess, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	// Keep touching for longer than the idle timeout.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		fx.manager.RecordActivity(sess)
	}
	if fx.registry.Len() != 1 {
		t.Fatal("active session must not be evicted")
	}

	// Go quiet and the eviction lands.
	deadline := time.After(2 * time.Second)
	for fx.registry.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("session not evicted after going idle")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEvictionOfSupersededSessionIsNoop(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	first, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	fx.backend.kill(first.ContainerID)

	second, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	// A stale eviction callback for the replaced session must not touch
	// the replacement.
	fx.manager.evict(spec.Key, first)

	cur, ok := fx.registry.Get(spec.Key)
	if !ok || cur != second {
		t.Error("superseded eviction must be a no-op for the live session")
	}
}

// A timer fire for a superseded session can pass the registry pre-check
// and then lose the key lock to a stop+create pair for the same key. It
// must observe the replacement under the lock and back off, not tear it
// down.
func TestStaleEvictionRacingReplacementIsNoop(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	first, err := fx.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	// Hold the key lock so the eviction passes its pre-check while
	// first is still registered, then parks waiting for the lock.
	unlock := fx.manager.lockKey(spec.Key)

	done := make(chan struct{})
	go func() {
		fx.manager.evict(spec.Key, first)
		close(done)
	}()

	// Wait until the evictor is queued on the key lock.
	deadline := time.After(2 * time.Second)
	for {
		fx.manager.mu.Lock()
		refs := 0
		if kl, ok := fx.manager.keyLocks[spec.Key]; ok {
			refs = kl.refs
		}
		fx.manager.mu.Unlock()
		if refs >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("evictor never queued on the key lock")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Replace the session while the evictor waits, as a concurrent
	// stop+create pair would.
	fx.registry.Remove(spec.Key)
	first.cancelIdleTimer()
	second := &Session{
		Key:         spec.Key,
		ContainerID: "ctr-fresh",
		Environment: first.Environment,
		ProjectSlug: spec.ProjectSlug,
		Anchor:      spec.Anchor,
		Boundary:    first.Boundary,
		CreatedAt:   time.Now(),
	}
	second.Touch()
	fx.registry.Put(spec.Key, second)

	unlock()
	<-done

	cur, ok := fx.registry.Get(spec.Key)
	if !ok || cur != second {
		t.Fatal("stale eviction must not remove the replacement session")
	}
	if fx.syncer.pushes != 0 {
		t.Errorf("pushes = %d, want 0 (stale eviction must not sync)", fx.syncer.pushes)
	}
	for _, id := range fx.backend.stopped {
		if id == second.ContainerID {
			t.Error("stale eviction stopped the replacement container")
		}
	}
}

func TestCleanupAllSweepsEverySession(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		spec := testSpec()
		spec.Key.SessionID = fmt.Sprintf("s%d", i)
		if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
			t.Fatalf("EnsureSandbox: %v", err)
		}
	}

	if err := fx.manager.CleanupAll(ctx); err != nil {
		t.Fatalf("CleanupAll: %v", err)
	}
	if fx.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", fx.registry.Len())
	}
	if fx.syncer.pushes != 3 {
		t.Errorf("pushes = %d, want 3", fx.syncer.pushes)
	}
}

func TestInvalidateSkipsSync(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	if _, err := fx.manager.EnsureSandbox(ctx, spec); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	fx.manager.Invalidate(ctx, spec.Key)
	if fx.registry.Len() != 0 {
		t.Error("invalidated session must leave the registry")
	}
	if fx.syncer.pushes != 0 {
		t.Errorf("pushes = %d, want 0 (invalidate never syncs)", fx.syncer.pushes)
	}
}

func TestConcurrentEnsureSingleSandboxPerKey(t *testing.T) {
	fx := newManagerFixture(t)
	ctx := context.Background()
	spec := testSpec()

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := fx.manager.EnsureSandbox(ctx, spec)
			if err != nil {
				t.Errorf("EnsureSandbox: %v", err)
				return
			}
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	if fx.backend.createdCount() != 1 {
		t.Errorf("created = %d, want 1 (one live sandbox per key)", fx.backend.createdCount())
	}
	for _, sess := range sessions {
		if sess != sessions[0] {
			t.Fatal("all callers must observe the same session")
		}
	}
}
