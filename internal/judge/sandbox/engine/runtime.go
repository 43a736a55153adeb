// Package engine implements the container runtimes that back sandbox workers.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned when the runtime has no such container.
var ErrContainerNotFound = errors.New("container not found")

// Mount binds a host directory into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes one long-lived sandbox container. Every container
// runs without network, with all capabilities dropped, no-new-privileges and
// a read-only root filesystem; only the resource ceilings vary.
type ContainerSpec struct {
	Name      string
	Image     string
	Cmd       []string
	MemoryMb  int
	PidsLimit int64
	CPUs      float64
	Mounts    []Mount
	// Tmpfs maps a container path to tmpfs mount options.
	Tmpfs  map[string]string
	Labels map[string]string
}

// ExecResult is the outcome of one command executed inside a container.
type ExecResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	OOMKilled bool
	Duration  time.Duration
}

// Runtime is the narrow surface a sandbox worker needs from a container engine.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	// Exec runs cmd and waits at most timeout. Hitting the timeout is reported
	// through ExecResult.TimedOut, not as an error.
	Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (ExecResult, error)
	// Remove force-removes the container. A missing container is not an error.
	Remove(ctx context.Context, containerID string) error
	// Restart kills every process in the container and starts it again.
	Restart(ctx context.Context, containerID string) error
}

// OOMExitCode is the exit status of a process killed by SIGKILL, which is
// how the kernel OOM killer terminates a cgroup member.
const OOMExitCode = 137
