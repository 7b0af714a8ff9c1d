package sandbox

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeharbor/codeharbor/internal/hostpath"
	"github.com/codeharbor/codeharbor/internal/vfs"
)

// Key identifies one interactive sandbox attachment.
type Key struct {
	OwnerID   string
	SessionID string
}

// String renders the key for logging and container naming.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.OwnerID, k.SessionID)
}

// Session binds a session key to a live sandbox and its project
// context. Sessions live in process memory only and are owned
// exclusively by the Registry; the Manager disposes them.
type Session struct {
	Key         Key
	ContainerID string
	Environment string
	ProjectSlug string
	Anchor      vfs.ProjectAnchor
	Boundary    hostpath.Boundary
	CreatedAt   time.Time

	// lastActivity is unix nanoseconds, updated on every exec, shell
	// input or resize. Read by the idle timer callback.
	lastActivity atomic.Int64

	// idleTimer fires the eviction for this session. Canceled whenever
	// the session leaves the registry, through any path. Guarded by
	// timerMu: activity resets race with teardown.
	timerMu   sync.Mutex
	idleTimer *time.Timer
}

// Touch records activity now.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// armIdleTimer schedules fire after d, replacing any prior timer.
func (s *Session) armIdleTimer(d time.Duration, fire func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(d, fire)
}

// resetIdleTimer pushes a pending eviction out by d.
func (s *Session) resetIdleTimer(d time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(d)
	}
}

// cancelIdleTimer stops a pending eviction, if armed.
func (s *Session) cancelIdleTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
