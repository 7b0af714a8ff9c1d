package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrSandboxCreation = errors.New("sandbox creation failed")
	ErrExecution       = errors.New("command execution failed")
	ErrSessionNotFound = errors.New("session not found")
)

// WorkspaceMount is the fixed path the working copy is bind-mounted
// at inside every sandbox.
const WorkspaceMount = "/workspace"

// ExecResult holds the output of a one-shot command.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Shell is a live interactive attachment to a sandbox: a duplex byte
// stream plus terminal control. Closing the shell ends the attachment
// but never stops the sandbox; idle timeout remains the sole eviction
// trigger, so a user can detach and reattach without losing state.
type Shell struct {
	io.ReadWriteCloser

	resize func(ctx context.Context, cols, rows uint) error
	done   chan struct{}
}

// Resize updates the pseudo-terminal dimensions.
func (s *Shell) Resize(ctx context.Context, cols, rows uint) error {
	return s.resize(ctx, cols, rows)
}

// Done is closed when the shell process exits or the stream ends.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Backend abstracts the container runtime consumed by the lifecycle
// manager. The Docker implementation is the production backend; tests
// use a fake.
type Backend interface {
	// CreateContainer creates and starts a hardened sandbox with
	// hostWorkDir bind-mounted read-write at WorkspaceMount, returning
	// the container id.
	CreateContainer(ctx context.Context, name string, env Environment, hostWorkDir string) (string, error)
	// IsRunning inspects a container and reports whether it is in a
	// usable (running or paused) state.
	IsRunning(ctx context.Context, containerID string) (bool, error)
	// Exec runs a non-interactive command, returning combined output.
	Exec(ctx context.Context, containerID string, cmd []string, workDir string, timeout time.Duration) (*ExecResult, error)
	// AttachShell starts an interactive shell with a pseudo-terminal of
	// the given dimensions.
	AttachShell(ctx context.Context, containerID, workDir string, cols, rows uint) (*Shell, error)
	// StopContainer gracefully stops within the grace period, then
	// force-removes the container regardless of the stop outcome.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	// Close releases runtime client resources.
	Close() error
}
