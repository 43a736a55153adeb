package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CLIRuntime drives containers through the docker command line client.
type CLIRuntime struct {
	binary      string
	outputLimit int64
	opTimeout   time.Duration
}

func NewCLIRuntime(cfg Config) *CLIRuntime {
	cfg.ApplyDefaults()
	return &CLIRuntime{binary: cfg.Binary, outputLimit: cfg.OutputLimitBytes, opTimeout: cfg.OperationTimeout}
}

func (r *CLIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	out, err := r.capture(ctx, createArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("create container failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (r *CLIRuntime) Start(ctx context.Context, containerID string) error {
	if _, err := r.capture(ctx, "start", containerID); err != nil {
		return r.mapNotFound(err, "start container failed")
	}
	return nil
}

func (r *CLIRuntime) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (ExecResult, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	args := append([]string{"exec", containerID}, cmd...)
	c := exec.CommandContext(execCtx, r.binary, args...)
	stdout := &limitedBuffer{limit: r.outputLimit}
	stderr := &limitedBuffer{limit: r.outputLimit}
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return ExecResult{}, ctx.Err()
	}
	if execCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == OOMExitCode {
			res.OOMKilled = true
		}
		if isNoSuchContainer(res.Stderr) {
			return ExecResult{}, ErrContainerNotFound
		}
		return res, nil
	}
	return ExecResult{}, fmt.Errorf("exec failed: %w", err)
}

func (r *CLIRuntime) Remove(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	if _, err := r.capture(ctx, "rm", "-f", containerID); err != nil {
		if errors.Is(r.mapNotFound(err, ""), ErrContainerNotFound) {
			return nil
		}
		return fmt.Errorf("remove container failed: %w", err)
	}
	return nil
}

func (r *CLIRuntime) Restart(ctx context.Context, containerID string) error {
	if _, err := r.capture(ctx, "restart", "-t", "0", containerID); err != nil {
		return r.mapNotFound(err, "restart container failed")
	}
	return nil
}

func (r *CLIRuntime) capture(ctx context.Context, args ...string) (string, error) {
	if r.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opTimeout)
		defer cancel()
	}
	c := exec.CommandContext(ctx, r.binary, args...)
	var stderr strings.Builder
	c.Stderr = &stderr
	out, err := c.Output()
	if err != nil {
		return "", &cliError{args: args, stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return string(out), nil
}

func (r *CLIRuntime) mapNotFound(err error, msg string) error {
	var ce *cliError
	if errors.As(err, &ce) && isNoSuchContainer(ce.stderr) {
		return ErrContainerNotFound
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type cliError struct {
	args   []string
	stderr string
	err    error
}

func (e *cliError) Error() string {
	if e.stderr != "" {
		return fmt.Sprintf("docker %s: %v: %s", e.args[0], e.err, e.stderr)
	}
	return fmt.Sprintf("docker %s: %v", e.args[0], e.err)
}

func (e *cliError) Unwrap() error { return e.err }

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container")
}

// createArgs renders the isolation policy as docker create flags.
func createArgs(spec ContainerSpec) []string {
	args := []string{
		"create",
		"--network=none",
		"--pids-limit=" + strconv.FormatInt(spec.PidsLimit, 10),
		"--cpus=" + strconv.FormatFloat(spec.CPUs, 'f', -1, 64),
		fmt.Sprintf("--memory=%dm", spec.MemoryMb),
		fmt.Sprintf("--memory-swap=%dm", spec.MemoryMb),
		"--read-only",
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", bindSpec(m))
	}
	for _, path := range sortedKeys(spec.Tmpfs) {
		mount := path
		if opts := spec.Tmpfs[path]; opts != "" {
			mount += ":" + opts
		}
		args = append(args, "--tmpfs", mount)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image)
	return append(args, spec.Cmd...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Runtime = (*CLIRuntime)(nil)
