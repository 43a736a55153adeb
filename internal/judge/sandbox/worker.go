// Package sandbox manages long-lived sandbox containers and the per-language
// pools that hand them out to judge runs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sandboxjudge/internal/judge/sandbox/engine"
	"sandboxjudge/internal/judge/sandbox/profile"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Outcome classifies how a run ended at the process level.
type Outcome string

const (
	OutcomeOK    Outcome = "OK"
	OutcomeTLE   Outcome = "TLE"
	OutcomeOOM   Outcome = "OOM"
	OutcomeError Outcome = "ERROR"
)

// Mount names one of the four staging directories.
type Mount string

const (
	MountSrc    Mount = "src"
	MountTests  Mount = "tests"
	MountLimits Mount = "limits"
	MountOut    Mount = "out"
)

var allMounts = []Mount{MountSrc, MountTests, MountLimits, MountOut}

const (
	defaultPidsLimit   = 64
	defaultCPUs        = 1.0
	defaultMaxFailures = 5
)

// WorkerConfig configures one sandbox worker.
type WorkerConfig struct {
	ID       string
	Language profile.LanguageSpec
	// Root is the parent of the worker's host directory.
	Root       string
	RunnerPath string
	PidsLimit  int64
	CPUs       float64
	KeepAlive  []string
	// ScratchSize is the tmpfs size for compiled artifacts, e.g. "64m".
	ScratchSize string
	// MaxFailures is the consecutive failure count that forces a recycle.
	MaxFailures int
}

// Health is a snapshot of a worker's raw health fields.
type Health struct {
	WorkerID            string    `json:"workerId"`
	Language            string    `json:"language"`
	ContainerID         string    `json:"containerId"`
	Running             bool      `json:"running"`
	LastRunAt           time.Time `json:"lastRunAt,omitempty"`
	LastOutcome         Outcome   `json:"lastOutcome,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalFailures       int       `json:"totalFailures"`
	NeedsRestart        bool      `json:"needsRestart"`
}

// Worker is one long-lived container bound to four host staging directories.
// A worker is used by one run at a time; exclusivity comes from the pool.
// The mutex only protects fields read concurrently by health reporting.
type Worker struct {
	cfg     WorkerConfig
	runtime engine.Runtime
	rootDir string
	dirs    map[Mount]string

	mu                  sync.Mutex
	containerID         string
	running             bool
	lastRunAt           time.Time
	lastOutcome         Outcome
	consecutiveFailures int
	totalFailures       int
}

// NewWorker creates a worker in the Created state. Nothing touches disk yet.
func NewWorker(cfg WorkerConfig, runtime engine.Runtime) *Worker {
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = defaultPidsLimit
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = defaultCPUs
	}
	if len(cfg.KeepAlive) == 0 {
		cfg.KeepAlive = []string{"sleep", "infinity"}
	}
	if cfg.ScratchSize == "" {
		cfg.ScratchSize = "64m"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	root := filepath.Join(cfg.Root, "worker-"+cfg.ID)
	dirs := make(map[Mount]string, len(allMounts))
	for _, m := range allMounts {
		dirs[m] = filepath.Join(root, string(m))
	}
	return &Worker{cfg: cfg, runtime: runtime, rootDir: root, dirs: dirs}
}

func (w *Worker) ID() string                     { return w.cfg.ID }
func (w *Worker) Language() profile.LanguageSpec { return w.cfg.Language }

// Dir returns the host path of a staging directory.
func (w *Worker) Dir(m Mount) string { return w.dirs[m] }

// Init creates the host directories; out is world-writable so the
// unprivileged sandbox user can write its result file.
func (w *Worker) Init() error {
	for _, m := range allMounts {
		if err := os.MkdirAll(w.dirs[m], 0o755); err != nil {
			return appErr.Wrapf(err, appErr.SandboxError, "create %s dir", m)
		}
	}
	if err := os.Chmod(w.dirs[MountOut], 0o777); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "chmod out dir")
	}
	return nil
}

// Start creates and starts the container with the isolation policy.
func (w *Worker) Start(ctx context.Context) error {
	spec := engine.ContainerSpec{
		Name:      fmt.Sprintf("sandboxjudge-%s-%d", w.cfg.ID, time.Now().UnixNano()),
		Image:     w.cfg.Language.Image,
		Cmd:       w.cfg.KeepAlive,
		MemoryMb:  w.cfg.Language.MemoryMb,
		PidsLimit: w.cfg.PidsLimit,
		CPUs:      w.cfg.CPUs,
		Mounts: []engine.Mount{
			{Source: w.dirs[MountSrc], Target: profile.MountSrc, ReadOnly: true},
			{Source: w.dirs[MountTests], Target: profile.MountTests, ReadOnly: true},
			{Source: w.dirs[MountLimits], Target: profile.MountLimits, ReadOnly: true},
			{Source: w.dirs[MountOut], Target: profile.MountOut},
		},
		Tmpfs: map[string]string{
			profile.ScratchDir: "rw,exec,nosuid,size=" + w.cfg.ScratchSize + ",mode=1777",
		},
		Labels: map[string]string{
			"sandboxjudge.worker":   w.cfg.ID,
			"sandboxjudge.language": w.cfg.Language.ID,
		},
	}
	id, err := w.runtime.Create(ctx, spec)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxStartFailed, "create sandbox %s", w.cfg.ID)
	}
	if err := w.runtime.Start(ctx, id); err != nil {
		_ = w.runtime.Remove(context.Background(), id)
		return appErr.Wrapf(err, appErr.SandboxStartFailed, "start sandbox %s", w.cfg.ID)
	}

	w.mu.Lock()
	w.containerID = id
	w.running = true
	w.consecutiveFailures = 0
	w.mu.Unlock()
	return nil
}

// Reset empties all four staging directories. The directories stay in
// place because the running container holds bind mounts on them.
func (w *Worker) Reset() error {
	if err := w.ensureRunning(); err != nil {
		return err
	}
	for _, m := range allMounts {
		if err := clearDir(w.dirs[m]); err != nil {
			return appErr.Wrapf(err, appErr.SandboxError, "reset %s dir", m)
		}
	}
	if err := os.Chmod(w.dirs[MountOut], 0o777); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "chmod out dir")
	}
	return nil
}

// CopyIn recursively copies the contents of src into one staging directory.
func (w *Worker) CopyIn(src string, target Mount) error {
	if err := w.ensureRunning(); err != nil {
		return err
	}
	dst, ok := w.dirs[target]
	if !ok {
		return appErr.ValidationError("target", "unknown mount")
	}
	if err := copyDir(src, dst); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "copy into %s", target)
	}
	return nil
}

// Run executes the language entrypoint bounded by timeout. TLE, OOM and OK
// are verdict-level outcomes; an unexpected exec failure returns OutcomeError
// together with the error.
func (w *Worker) Run(ctx context.Context, timeout time.Duration) (Outcome, error) {
	if w.needsRestart() {
		// Staging is already populated for this run, so only the container is
		// replaced.
		logger.Warn(ctx, "sandbox reached failure threshold, recycling", zap.String("worker_id", w.cfg.ID))
		if err := w.replaceContainer(ctx); err != nil {
			return OutcomeError, err
		}
	}
	containerID, err := w.runningContainer()
	if err != nil {
		return OutcomeError, err
	}
	cmd, err := w.cfg.Language.EntrypointArgs(w.cfg.RunnerPath)
	if err != nil {
		return OutcomeError, err
	}

	started := time.Now()
	res, err := w.runtime.Exec(ctx, containerID, cmd, timeout)
	if err != nil {
		if engine.IsNotFound(err) {
			w.markStopped()
		}
		w.record(started, OutcomeError)
		return OutcomeError, appErr.Wrapf(err, appErr.SandboxError, "exec in sandbox %s", w.cfg.ID)
	}

	switch {
	case res.TimedOut:
		// The exec client is gone but the process may still be running in
		// the container.
		if err := w.runtime.Restart(ctx, containerID); err != nil {
			logger.Error(ctx, "restart sandbox after timeout failed", zap.String("worker_id", w.cfg.ID), zap.Error(err))
			w.markStopped()
		}
		w.record(started, OutcomeTLE)
		return OutcomeTLE, nil
	case res.OOMKilled || res.ExitCode == engine.OOMExitCode:
		w.record(started, OutcomeOOM)
		return OutcomeOOM, nil
	default:
		if res.ExitCode != 0 {
			logger.Debug(ctx, "sandbox entrypoint exited non-zero",
				zap.String("worker_id", w.cfg.ID),
				zap.Int("exit_code", res.ExitCode),
				zap.String("stderr", res.Stderr),
			)
		}
		w.record(started, OutcomeOK)
		return OutcomeOK, nil
	}
}

// Recycle replaces the container with a fresh one and clears staging.
func (w *Worker) Recycle(ctx context.Context) error {
	if err := w.removeContainer(ctx); err != nil {
		return err
	}
	if err := w.Init(); err != nil {
		return err
	}
	for _, m := range allMounts {
		if err := clearDir(w.dirs[m]); err != nil {
			return appErr.Wrapf(err, appErr.SandboxError, "clear %s dir", m)
		}
	}
	return w.Start(ctx)
}

// replaceContainer swaps in a fresh container and leaves staging untouched.
func (w *Worker) replaceContainer(ctx context.Context) error {
	if err := w.removeContainer(ctx); err != nil {
		return err
	}
	return w.Start(ctx)
}

func (w *Worker) removeContainer(ctx context.Context) error {
	w.mu.Lock()
	old := w.containerID
	w.running = false
	w.mu.Unlock()

	if err := w.runtime.Remove(ctx, old); err != nil {
		return appErr.Wrapf(err, appErr.SandboxDisposeFailed, "remove sandbox %s", w.cfg.ID)
	}
	return nil
}

// Dispose removes the container and the worker's host directory tree. It is
// idempotent and valid on a worker that never started.
func (w *Worker) Dispose(ctx context.Context) error {
	w.mu.Lock()
	id := w.containerID
	w.containerID = ""
	w.running = false
	w.mu.Unlock()

	var errs []error
	if err := w.runtime.Remove(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(w.rootDir); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return appErr.Wrapf(err, appErr.SandboxDisposeFailed, "dispose sandbox %s", w.cfg.ID)
	}
	return nil
}

// Health returns the raw health fields.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Health{
		WorkerID:            w.cfg.ID,
		Language:            w.cfg.Language.ID,
		ContainerID:         w.containerID,
		Running:             w.running,
		LastRunAt:           w.lastRunAt,
		LastOutcome:         w.lastOutcome,
		ConsecutiveFailures: w.consecutiveFailures,
		TotalFailures:       w.totalFailures,
		NeedsRestart:        w.consecutiveFailures >= w.cfg.MaxFailures,
	}
}

func (w *Worker) ensureRunning() error {
	_, err := w.runningContainer()
	return err
}

func (w *Worker) runningContainer() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return "", appErr.Newf(appErr.SandboxNotRunning, "sandbox %s is not running", w.cfg.ID)
	}
	return w.containerID, nil
}

func (w *Worker) needsRestart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running && w.consecutiveFailures >= w.cfg.MaxFailures
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Worker) record(at time.Time, outcome Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRunAt = at
	w.lastOutcome = outcome
	if outcome == OutcomeError {
		w.consecutiveFailures++
		w.totalFailures++
		return
	}
	w.consecutiveFailures = 0
}
