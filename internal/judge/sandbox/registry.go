package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"sandboxjudge/internal/judge/pool"
	"sandboxjudge/internal/judge/sandbox/engine"
	"sandboxjudge/internal/judge/sandbox/profile"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RegistryOptions holds settings shared by every worker.
type RegistryOptions struct {
	Root        string
	RunnerPath  string
	PidsLimit   int64
	CPUs        float64
	KeepAlive   []string
	ScratchSize string
	MaxFailures int
	// StartConcurrency bounds parallel container creation during Init.
	StartConcurrency int
}

// Registry owns one worker pool per configured language.
type Registry struct {
	runtime   engine.Runtime
	languages []profile.LanguageSpec
	opts      RegistryOptions

	mu          sync.RWMutex
	pools       map[string]*pool.Pool[*Worker]
	workers     []*Worker
	initialized atomic.Bool
}

// NewRegistry creates an empty registry; call Init to boot the workers.
func NewRegistry(runtime engine.Runtime, languages []profile.LanguageSpec, opts RegistryOptions) (*Registry, error) {
	if runtime == nil {
		return nil, errors.New("sandbox runtime is required")
	}
	if opts.Root == "" {
		return nil, appErr.ValidationError("sandbox.root", "required")
	}
	if opts.StartConcurrency <= 0 {
		opts.StartConcurrency = 4
	}
	specs := make([]profile.LanguageSpec, 0, len(languages))
	for _, l := range languages {
		l.ApplyDefaults()
		if err := l.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, l)
	}
	if _, err := profile.Index(specs); err != nil {
		return nil, err
	}
	return &Registry{runtime: runtime, languages: specs, opts: opts, pools: make(map[string]*pool.Pool[*Worker])}, nil
}

// Init creates and starts every worker, then builds the pools. On failure
// every worker created so far is disposed and the error is returned.
func (r *Registry) Init(ctx context.Context) error {
	if r.initialized.Load() {
		return nil
	}

	byLang := make(map[string][]*Worker, len(r.languages))
	var created []*Worker
	for _, lang := range r.languages {
		for i := 0; i < lang.Workers; i++ {
			w := NewWorker(WorkerConfig{
				ID:          fmt.Sprintf("%s-%d", lang.ID, i),
				Language:    lang,
				Root:        r.opts.Root,
				RunnerPath:  r.opts.RunnerPath,
				PidsLimit:   r.opts.PidsLimit,
				CPUs:        r.opts.CPUs,
				KeepAlive:   r.opts.KeepAlive,
				ScratchSize: r.opts.ScratchSize,
				MaxFailures: r.opts.MaxFailures,
			}, r.runtime)
			byLang[lang.ID] = append(byLang[lang.ID], w)
			created = append(created, w)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.StartConcurrency)
	for _, w := range created {
		w := w
		g.Go(func() error {
			if err := w.Init(); err != nil {
				return err
			}
			return w.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error(ctx, "sandbox pool init failed, disposing workers", zap.Error(err))
		disposeAll(context.Background(), created, r.opts.StartConcurrency)
		return err
	}

	pools := make(map[string]*pool.Pool[*Worker], len(byLang))
	for id, workers := range byLang {
		p, err := pool.New(workers)
		if err != nil {
			disposeAll(context.Background(), created, r.opts.StartConcurrency)
			return err
		}
		pools[id] = p
	}

	r.mu.Lock()
	r.pools = pools
	r.workers = created
	r.mu.Unlock()
	r.initialized.Store(true)

	for _, lang := range r.languages {
		logger.Info(ctx, "sandbox pool ready", zap.String("language", lang.ID), zap.Int("workers", lang.Workers), zap.String("image", lang.Image))
	}
	return nil
}

// Get returns the pool for language.
func (r *Registry) Get(language string) (*pool.Pool[*Worker], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[language]
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", language)
	}
	return p, nil
}

// AllWorkers flattens every pool.
func (r *Registry) AllWorkers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Worker(nil), r.workers...)
}

func (r *Registry) IsInitialized() bool {
	return r.initialized.Load()
}

// Languages returns the configured language ids in sorted order.
func (r *Registry) Languages() []string {
	ids := make([]string, 0, len(r.languages))
	for _, l := range r.languages {
		ids = append(ids, l.ID)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns pool counters per language.
func (r *Registry) Stats() map[string]pool.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]pool.Stats, len(r.pools))
	for id, p := range r.pools {
		out[id] = p.Stats()
	}
	return out
}

// Shutdown disposes every worker. The registry is unusable afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.initialized.Store(false)
	r.mu.Lock()
	workers := r.workers
	r.workers = nil
	r.pools = make(map[string]*pool.Pool[*Worker])
	r.mu.Unlock()

	return disposeAll(ctx, workers, r.opts.StartConcurrency)
}

func disposeAll(ctx context.Context, workers []*Worker, limit int) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(limit)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Dispose(ctx); err != nil {
				logger.Warn(ctx, "dispose sandbox failed", zap.String("worker_id", w.ID()), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
