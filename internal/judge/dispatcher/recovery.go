package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sandboxjudge/internal/common/cache"
	"sandboxjudge/internal/judge/metrics"
	"sandboxjudge/internal/judge/model"
	"sandboxjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultRecoverInterval = 60 * time.Second
	defaultStuckTimeout    = 5 * time.Minute
	defaultSweepLockKey    = "judge:recovery:lock"
)

// Recoverer resets stuck and failed submissions to PENDING.
type Recoverer interface {
	RecoverInvalid(ctx context.Context, timeout time.Duration) ([]*model.Submission, error)
}

// SweeperConfig holds recovery sweep settings.
type SweeperConfig struct {
	Interval     time.Duration
	StuckTimeout time.Duration
	// Lock, when set, lets only one process sweep per interval.
	Lock    cache.LockOps
	LockKey string
	// Owner identifies this process on the lock.
	Owner string
}

// Sweeper periodically requeues RUNNING submissions whose executor is gone
// and FAILED submissions that may be retried.
type Sweeper struct {
	cfg  SweeperConfig
	repo Recoverer

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(cfg SweeperConfig, repo Recoverer) (*Sweeper, error) {
	if repo == nil {
		return nil, fmt.Errorf("recoverer is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRecoverInterval
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	if cfg.LockKey == "" {
		cfg.LockKey = defaultSweepLockKey
	}
	if cfg.Owner == "" {
		cfg.Owner = NewIdentity()
	}
	return &Sweeper{cfg: cfg, repo: repo, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Start runs Sweep every interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					logger.Error(ctx, "recovery sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sweep runs one recovery pass and returns how many submissions it requeued.
// With a lock configured, a pass that loses the lock does nothing. The lock
// is left to expire so peers skip the rest of the interval.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.cfg.Lock != nil {
		ok, err := s.cfg.Lock.TryLock(ctx, s.cfg.LockKey, s.cfg.Owner, s.lockTTL())
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock failed: %w", err)
		}
		if !ok {
			logger.Debug(ctx, "recovery sweep skipped, another process holds the lock")
			return 0, nil
		}
	}

	recovered, err := s.repo.RecoverInvalid(ctx, s.cfg.StuckTimeout)
	if err != nil {
		return 0, err
	}
	if len(recovered) == 0 {
		return 0, nil
	}
	metrics.RecoveredTotal.Add(float64(len(recovered)))
	ids := make([]string, 0, len(recovered))
	for _, sub := range recovered {
		ids = append(ids, sub.ID)
	}
	logger.Warn(ctx, "requeued stuck or failed submissions", zap.Int("count", len(ids)), zap.Strings("submission_ids", ids))
	return len(recovered), nil
}

func (s *Sweeper) lockTTL() time.Duration {
	ttl := s.cfg.Interval * 9 / 10
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Stop ends the sweep loop. A pass already running completes first.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
