// Package sandboxtest provides an in-memory container runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sandboxjudge/internal/judge/sandbox/engine"
)

// Container is a fake container record.
type Container struct {
	ID       string
	Spec     engine.ContainerSpec
	Running  bool
	Restarts int
}

// HostPath maps a container mount target to the bound host directory.
func (c *Container) HostPath(target string) string {
	for _, m := range c.Spec.Mounts {
		if m.Target == target {
			return m.Source
		}
	}
	return ""
}

// ExecFunc simulates one exec call.
type ExecFunc func(ctx context.Context, c *Container, cmd []string, timeout time.Duration) (engine.ExecResult, error)

// Runtime records container operations and delegates exec to Exec.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	removed    []string

	// CreateErr, when set, is consulted before each create.
	CreateErr func(spec engine.ContainerSpec) error
	// RestartErr is returned by Restart when set.
	RestartErr error
	OnExec     ExecFunc
}

func New(exec ExecFunc) *Runtime {
	return &Runtime{containers: make(map[string]*Container), OnExec: exec}
}

func (r *Runtime) Create(_ context.Context, spec engine.ContainerSpec) (string, error) {
	if r.CreateErr != nil {
		if err := r.CreateErr(spec); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("%064d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec}
	return id, nil
}

func (r *Runtime) Start(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return engine.ErrContainerNotFound
	}
	c.Running = true
	return nil
}

func (r *Runtime) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (engine.ExecResult, error) {
	c := r.Container(containerID)
	if c == nil || !c.Running {
		return engine.ExecResult{}, engine.ErrContainerNotFound
	}
	if r.OnExec == nil {
		return engine.ExecResult{}, errors.New("sandboxtest: no exec func")
	}
	return r.OnExec(ctx, c, cmd, timeout)
}

func (r *Runtime) Remove(_ context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; ok {
		delete(r.containers, containerID)
		r.removed = append(r.removed, containerID)
	}
	return nil
}

func (r *Runtime) Restart(_ context.Context, containerID string) error {
	if r.RestartErr != nil {
		return r.RestartErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return engine.ErrContainerNotFound
	}
	c.Restarts++
	c.Running = true
	return nil
}

// Container returns the live container record, or nil.
func (r *Runtime) Container(id string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containers[id]
}

// Live returns the number of containers not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Removed returns the ids of removed containers in removal order.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

var _ engine.Runtime = (*Runtime)(nil)
