// Package dispatcher polls the submission store, claims pending work and
// runs it with bounded concurrency.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"sandboxjudge/internal/judge/metrics"
	"sandboxjudge/internal/judge/model"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/utils/contextkey"
	"sandboxjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConcurrency  = 8
	defaultPollInterval = time.Second
	defaultMaxBackoff   = 30 * time.Second
)

// Claimer atomically claims pending submissions.
type Claimer interface {
	ClaimPendingBatch(ctx context.Context, limit int, workerID string) ([]*model.Submission, error)
}

// Executor runs one claimed submission to a terminal status.
type Executor interface {
	Execute(ctx context.Context, submissionID string) error
}

// Config holds dispatcher settings.
type Config struct {
	// ID identifies this dispatcher on claimed rows. Generated when empty.
	ID           string
	Concurrency  int
	PollInterval time.Duration
	// MaxBackoff caps the delay after consecutive claim failures.
	MaxBackoff time.Duration
}

// Dispatcher claims up to Concurrency submissions at a time and executes
// each in its own goroutine.
type Dispatcher struct {
	cfg      Config
	claimer  Claimer
	executor Executor
	inflight *TaskSet

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	failures int
}

// NewIdentity returns judge-<hostname>-<uuid>.
func NewIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("judge-%s-%s", host, uuid.NewString())
}

func New(cfg Config, claimer Claimer, executor Executor) (*Dispatcher, error) {
	if claimer == nil {
		return nil, fmt.Errorf("claimer is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.ID == "" {
		cfg.ID = NewIdentity()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Dispatcher{
		cfg:      cfg,
		claimer:  claimer,
		executor: executor,
		inflight: NewTaskSet(cfg.Concurrency),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the dispatcher identity written to claimed rows.
func (d *Dispatcher) ID() string { return d.cfg.ID }

// InFlight returns the ids of submissions currently executing.
func (d *Dispatcher) InFlight() []string { return d.inflight.Keys() }

// Start launches the polling loop. It is a no-op when already started.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	logger.Info(ctx, "dispatcher started",
		zap.String("dispatcher_id", d.cfg.ID),
		zap.Int("concurrency", d.cfg.Concurrency),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_, err := d.Tick(ctx)
		timer.Reset(d.nextDelay(ctx, err))
	}
}

// Tick runs one scheduling round and returns how many submissions it started.
// A full in-flight set skips the store entirely.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	free := d.inflight.Free()
	if free <= 0 {
		return 0, nil
	}
	claimed, err := d.claimer.ClaimPendingBatch(ctx, free, d.cfg.ID)
	if err != nil {
		metrics.ClaimErrorsTotal.Inc()
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	metrics.ClaimedTotal.Add(float64(len(claimed)))

	// Executions outlive the loop context: shutdown drains them instead of
	// cancelling.
	execCtx := context.WithoutCancel(ctx)
	started := 0
	for _, sub := range claimed {
		id := sub.ID
		ok := d.inflight.Go(id, func() {
			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()
			d.execute(execCtx, id)
		})
		if !ok {
			// Left RUNNING; the recovery sweep requeues it.
			logger.Warn(ctx, "claimed submission could not be tracked", zap.String("submission_id", id))
			continue
		}
		started++
	}
	return started, nil
}

func (d *Dispatcher) execute(ctx context.Context, id string) {
	ctx = context.WithValue(ctx, contextkey.WorkerID, d.cfg.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "submission execution panicked", zap.String("submission_id", id), zap.Any("panic", r))
		}
	}()
	if err := d.executor.Execute(ctx, id); err != nil {
		logger.Warn(ctx, "submission execution failed",
			zap.String("submission_id", id),
			zap.Int("error_code", int(appErr.GetCode(err))),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) nextDelay(ctx context.Context, claimErr error) time.Duration {
	if claimErr == nil {
		d.failures = 0
		return d.cfg.PollInterval
	}
	delay := ComputeBackoff(d.failures, d.cfg.PollInterval, d.cfg.MaxBackoff)
	d.failures++
	logger.Error(ctx, "claim pending submissions failed",
		zap.Error(claimErr),
		zap.Int("consecutive_failures", d.failures),
		zap.Duration("backoff", delay),
	)
	return delay
}

// Shutdown stops polling and waits for in-flight executions to finish or
// for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n := d.inflight.Len(); n > 0 {
		logger.Info(ctx, "waiting for in-flight submissions", zap.Int("count", n))
	}
	return d.inflight.Wait(ctx)
}
