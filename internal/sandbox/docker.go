package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// capAllowlist is the minimal capability set sandboxes keep after
// dropping ALL: enough for normal file ownership operations inside the
// workspace, nothing that reaches outside the container.
var capAllowlist = []string{"CHOWN", "SETUID", "SETGID", "FOWNER", "DAC_OVERRIDE"}

// keepAliveCmd keeps the container alive with no foreground
// interactive process attached.
var keepAliveCmd = []string{"sh", "-c", "while true; do sleep 3600; done"}

// DockerBackend implements Backend on the Docker Engine API.
type DockerBackend struct {
	client *client.Client
}

// NewDockerBackend creates a Docker backend and verifies the daemon is
// reachable.
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	return &DockerBackend{client: cli}, nil
}

// CreateContainer creates and starts a hardened, long-lived sandbox.
func (b *DockerBackend) CreateContainer(ctx context.Context, name string, env Environment, hostWorkDir string) (string, error) {
	if err := b.ensureImage(ctx, env.Image); err != nil {
		return "", fmt.Errorf("ensure image: %w", err)
	}

	containerCfg := &container.Config{
		Image:      env.Image,
		Cmd:        keepAliveCmd,
		WorkingDir: WorkspaceMount,
		Tty:        false,
		Labels: map[string]string{
			"codeharbor.sandbox":     "true",
			"codeharbor.environment": env.Kind,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostWorkDir,
				Target: WorkspaceMount,
			},
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      capAllowlist,
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:   int64(env.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(env.CPULimit * 1e9),
		},
	}

	resp, err := b.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	return resp.ID, nil
}

// IsRunning reports whether the container is running or paused.
func (b *DockerBackend) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := b.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return info.State.Running || info.State.Paused, nil
}

// Exec runs a command and captures combined stdout and stderr.
func (b *DockerBackend) Exec(ctx context.Context, containerID string, cmd []string, workDir string, timeout time.Duration) (*ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if workDir == "" {
		workDir = WorkspaceMount
	}

	execResp, err := b.client.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	start := time.Now()

	attachResp, err := b.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, attachResp.Reader)

	duration := time.Since(start)

	inspectResp, err := b.client.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Output:   demuxCombined(buf.Bytes()),
		Duration: duration,
	}, nil
}

// AttachShell starts an interactive shell with a pseudo-terminal.
func (b *DockerBackend) AttachShell(ctx context.Context, containerID, workDir string, cols, rows uint) (*Shell, error) {
	if workDir == "" {
		workDir = WorkspaceMount
	}

	execResp, err := b.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-l"},
		WorkingDir:   workDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{rows, cols},
	})
	if err != nil {
		return nil, fmt.Errorf("create shell exec: %w", err)
	}

	attachResp, err := b.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: &[2]uint{rows, cols},
	})
	if err != nil {
		return nil, fmt.Errorf("attach shell: %w", err)
	}

	shell := &Shell{
		ReadWriteCloser: hijackedStream{attachResp.Conn, attachResp.Reader},
		done:            make(chan struct{}),
		resize: func(ctx context.Context, cols, rows uint) error {
			return b.client.ContainerExecResize(ctx, execResp.ID, container.ResizeOptions{
				Width:  cols,
				Height: rows,
			})
		},
	}

	// Watch for process exit so the bridge can observe termination.
	go func() {
		defer close(shell.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				inspect, err := b.client.ContainerExecInspect(context.Background(), execResp.ID)
				if err != nil || !inspect.Running {
					return
				}
			}
		}
	}()

	return shell, nil
}

// StopContainer stops within the grace period, then force-removes.
func (b *DockerBackend) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	graceSecs := int(grace.Seconds())
	if err := b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSecs}); err != nil {
		slog.Warn("graceful stop failed, forcing removal", "container_id", containerID, "error", err)
	}
	return b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Close closes the Docker client.
func (b *DockerBackend) Close() error {
	return b.client.Close()
}

// ensureImage pulls the image if it is not already present locally.
// Pulls block with no timeout at this layer: they are rare, and
// operators are expected to pre-warm common images.
func (b *DockerBackend) ensureImage(ctx context.Context, img string) error {
	if _, err := b.client.ImageInspect(ctx, img); err == nil {
		return nil
	}

	slog.Info("pulling image", "image", img)
	reader, err := b.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// hijackedStream adapts Docker's hijacked connection into an
// io.ReadWriteCloser: reads come from the buffered reader, writes go
// to the raw connection.
type hijackedStream struct {
	conn   io.WriteCloser
	reader io.Reader
}

func (h hijackedStream) Read(p []byte) (int, error)  { return h.reader.Read(p) }
func (h hijackedStream) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h hijackedStream) Close() error                { return h.conn.Close() }

// demuxCombined flattens Docker's multiplexed stream protocol into a
// single combined output string. Frames carry 8-byte headers:
// [type][0][0][0][size1][size2][size3][size4].
func demuxCombined(data []byte) string {
	var out strings.Builder

	rest := data
	for len(rest) >= 8 {
		size := int(rest[4])<<24 | int(rest[5])<<16 | int(rest[6])<<8 | int(rest[7])
		rest = rest[8:]
		if size > len(rest) {
			size = len(rest)
		}
		out.WriteString(string(rest[:size]))
		rest = rest[size:]
	}

	// No frame headers at all: raw output.
	if out.Len() == 0 && len(data) > 0 && len(data) < 8 {
		return string(data)
	}

	return out.String()
}
