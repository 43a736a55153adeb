package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime talks to the Docker Engine API.
type DockerRuntime struct {
	cli         *client.Client
	outputLimit int64
	opTimeout   time.Duration
}

// NewDockerRuntime connects using the environment (DOCKER_HOST and friends).
func NewDockerRuntime(cfg Config) (*DockerRuntime, error) {
	cfg.ApplyDefaults()
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client failed: %w", err)
	}
	return &DockerRuntime{cli: cli, outputLimit: cfg.OutputLimitBytes, opTimeout: cfg.OperationTimeout}, nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	memory := int64(spec.MemoryMb) * 1024 * 1024
	pids := spec.PidsLimit
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Labels:          spec.Labels,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Binds: bindsFor(spec.Mounts),
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(spec.CPUs * 1e9),
			PidsLimit:  &pids,
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs:          spec.Tmpfs,
	}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container failed: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("start container failed: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ExecResult{}, ErrContainerNotFound
		}
		return ExecResult{}, fmt.Errorf("create exec failed: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec failed: %w", err)
	}
	defer attach.Close()

	stdout := &limitedBuffer{limit: d.outputLimit}
	stderr := &limitedBuffer{limit: d.outputLimit}
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("read exec output failed: %w", err)
		}
	case <-timer:
		return ExecResult{
			TimedOut: true,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	inspectCtx, cancel := d.opContext(context.Background())
	defer cancel()
	inspect, err := d.cli.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec failed: %w", err)
	}
	res.ExitCode = inspect.ExitCode
	if res.ExitCode == OOMExitCode {
		res.OOMKilled = true
	} else if info, err := d.cli.ContainerInspect(inspectCtx, containerID); err == nil &&
		info.ContainerJSONBase != nil && info.State != nil && info.State.OOMKilled {
		res.OOMKilled = true
	}
	return res, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container failed: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Restart(ctx context.Context, containerID string) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	stopTimeout := 0
	if err := d.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("restart container failed: %w", err)
	}
	return nil
}

// Close releases the API client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opTimeout)
}

func bindsFor(mounts []Mount) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		binds = append(binds, bindSpec(m))
	}
	return binds
}

func bindSpec(m Mount) string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return m.Source + ":" + m.Target + ":" + mode
}

// limitedBuffer keeps the first limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		remaining := b.limit - int64(b.buf.Len())
		if remaining <= 0 {
			return len(p), nil
		}
		if int64(len(p)) > remaining {
			b.buf.Write(p[:remaining])
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

var _ Runtime = (*DockerRuntime)(nil)

// IsNotFound reports whether err means the container is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound)
}
