package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
)

// DefaultExecTimeout bounds one-shot command execution.
const DefaultExecTimeout = 60 * time.Second

// Executor runs one-shot commands and attaches interactive shells to
// sandboxes. A command that fails against an unreachable sandbox is
// retried exactly once after invalidating and recreating the session;
// authorization and traversal failures are never retried.
type Executor struct {
	manager *Manager
	retrier retry.Retry[*ExecResult]
	timeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecTimeout overrides the per-command timeout.
func WithExecTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor creates an executor over the lifecycle manager.
func NewExecutor(manager *Manager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		manager: manager,
		timeout: DefaultExecTimeout,
		retrier: retry.New[*ExecResult](retry.Config{
			// One recreation attempt, no more: transient sandbox death
			// is retried transparently, anything persistent surfaces.
			MaxAttempts:   2,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			IsRetryable: func(err error) bool {
				return !errors.Is(err, ErrSandboxCreation) && !errors.Is(err, context.Canceled)
			},
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOnce executes a non-interactive command in the sandbox for spec,
// ensuring the sandbox first. Combined stdout and stderr are returned.
func (e *Executor) RunOnce(ctx context.Context, spec Spec, cmd []string, workDir string) (*ExecResult, error) {
	result, err := e.retrier.Do(ctx, func(ctx context.Context) (*ExecResult, error) {
		sess, err := e.manager.EnsureSandbox(ctx, spec)
		if err != nil {
			return nil, err
		}

		res, execErr := e.manager.Exec(ctx, sess, cmd, workDir, e.timeout)
		if execErr != nil {
			// The sandbox may have died underneath the exec; drop it so
			// the retry recreates from scratch.
			slog.Warn("exec failed, invalidating session", "key", spec.Key.String(), "error", execErr)
			e.manager.Invalidate(ctx, spec.Key)
			return nil, execErr
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, ErrSandboxCreation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return result, nil
}

// AttachInteractive ensures the sandbox for spec and attaches an
// interactive shell with the given terminal dimensions. The returned
// bridge counts input and resizes as activity, keeping the session out
// of idle eviction while in use. Ending the stream never stops the
// sandbox: idle timeout is the sole eviction trigger, so detach and
// reattach preserve sandbox state.
func (e *Executor) AttachInteractive(ctx context.Context, spec Spec, cols, rows uint) (*ShellBridge, error) {
	sess, err := e.manager.EnsureSandbox(ctx, spec)
	if err != nil {
		return nil, err
	}

	shell, err := e.manager.AttachShell(ctx, sess, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: attach shell: %v", ErrExecution, err)
	}

	bridge := &ShellBridge{
		shell:   shell,
		session: sess,
		manager: e.manager,
	}

	go func() {
		<-shell.Done()
		slog.Info("interactive attachment ended", "key", spec.Key.String())
	}()

	return bridge, nil
}

// ShellBridge is a duplex byte stream between a caller and an
// interactive sandbox shell. Reads stream shell output; writes feed
// shell input and reset the idle timer.
type ShellBridge struct {
	shell   *Shell
	session *Session
	manager *Manager
}

// Read streams shell output to the caller.
func (b *ShellBridge) Read(p []byte) (int, error) {
	return b.shell.Read(p)
}

// Write feeds caller input to the shell. Any input counts as liveness.
func (b *ShellBridge) Write(p []byte) (int, error) {
	b.manager.RecordActivity(b.session)
	return b.shell.Write(p)
}

// Resize updates the pseudo-terminal dimensions and counts as
// activity.
func (b *ShellBridge) Resize(ctx context.Context, cols, rows uint) error {
	b.manager.RecordActivity(b.session)
	return b.shell.Resize(ctx, cols, rows)
}

// Close ends the attachment. The sandbox keeps running; eviction stays
// with the idle timer.
func (b *ShellBridge) Close() error {
	return b.shell.Close()
}

// Done is closed when the shell process exits or the stream ends.
func (b *ShellBridge) Done() <-chan struct{} {
	return b.shell.Done()
}
