package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sandboxjudge/internal/judge/metrics"
	"sandboxjudge/internal/judge/model"
	"sandboxjudge/internal/judge/pool"
	"sandboxjudge/internal/judge/sandbox"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	testcasesFile = "testcases.json"
	limitsFile    = "limits.json"
	resultFile    = "result.json"

	defaultExecOverhead = 2 * time.Second
	maxResultBytes      = 16 << 20
)

// PoolProvider resolves the worker pool of a language.
type PoolProvider interface {
	Get(language string) (*pool.Pool[*sandbox.Worker], error)
}

// ResultArchiver stores a copy of a judge result outside the database.
type ResultArchiver interface {
	Archive(ctx context.Context, submissionID string, result *model.JudgeResult) error
}

// JudgeConfig holds judge dependencies and settings.
type JudgeConfig struct {
	Pools PoolProvider
	// WorkRoot is where per-run staging directories are created.
	WorkRoot string
	// ExecOverhead is added to the wall-clock budget for process startup
	// and compilation.
	ExecOverhead   time.Duration
	Archiver       ResultArchiver
	ArchiveTimeout time.Duration
}

// Judge turns a run request into sandbox operations and a structured result.
type Judge struct {
	pools          PoolProvider
	workRoot       string
	execOverhead   time.Duration
	archiver       ResultArchiver
	archiveTimeout time.Duration
}

// NewJudge creates a judge.
func NewJudge(cfg JudgeConfig) (*Judge, error) {
	if cfg.Pools == nil {
		return nil, fmt.Errorf("pool provider is required")
	}
	if cfg.ExecOverhead <= 0 {
		cfg.ExecOverhead = defaultExecOverhead
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 10 * time.Second
	}
	if cfg.WorkRoot != "" {
		if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create work root failed: %w", err)
		}
	}
	return &Judge{
		pools:          cfg.Pools,
		workRoot:       cfg.WorkRoot,
		execOverhead:   cfg.ExecOverhead,
		archiver:       cfg.Archiver,
		archiveTimeout: cfg.ArchiveTimeout,
	}, nil
}

// Run executes req on a worker of its language. The worker is always
// released and the staging area removed, whatever happens in between.
func (j *Judge) Run(ctx context.Context, req model.JudgeRequest) (*model.JudgeResult, error) {
	p, err := j.pools.Get(req.Language)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	w, err := p.Acquire(ctx)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "acquire %s sandbox", req.Language)
	}
	defer p.Release(w)

	res, err := j.runOn(ctx, w, req)
	metrics.JudgeRunDuration.WithLabelValues(req.Language).Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		metrics.SandboxErrorsTotal.WithLabelValues(req.Language).Inc()
		return nil, err
	}
	metrics.JudgeRunsTotal.WithLabelValues(req.Language, string(res.Status)).Inc()
	j.archive(ctx, req.SubmissionID, res)
	return res, nil
}

func (j *Judge) runOn(ctx context.Context, w *sandbox.Worker, req model.JudgeRequest) (*model.JudgeResult, error) {
	staging, err := os.MkdirTemp(j.workRoot, "judge-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "create staging dir")
	}
	defer os.RemoveAll(staging)

	lang := w.Language()
	if err := stage(staging, lang.SourceFile, req); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "stage submission")
	}

	if err := w.Reset(); err != nil {
		return nil, err
	}
	for _, m := range []sandbox.Mount{sandbox.MountSrc, sandbox.MountTests, sandbox.MountLimits} {
		if err := w.CopyIn(filepath.Join(staging, string(m)), m); err != nil {
			return nil, err
		}
	}

	timeout := j.wallClock(req, lang.TimeMultiplier)
	outcome, err := w.Run(ctx, timeout)
	if err != nil {
		j.recycle(ctx, w, err)
		return nil, err
	}

	total := len(req.TestCases)
	switch outcome {
	case sandbox.OutcomeTLE:
		return model.LimitResult(model.VerdictTLE, total), nil
	case sandbox.OutcomeOOM:
		return model.LimitResult(model.VerdictMLE, total), nil
	default:
		return readResult(filepath.Join(w.Dir(sandbox.MountOut), resultFile))
	}
}

// wallClock bounds the whole exec: every case may use its full time limit.
func (j *Judge) wallClock(req model.JudgeRequest, multiplier float64) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	cases := len(req.TestCases)
	if cases < 1 {
		cases = 1
	}
	perCase := time.Duration(float64(req.Limits.TimeMs) * multiplier * float64(time.Millisecond))
	return perCase*time.Duration(cases) + j.execOverhead
}

func (j *Judge) recycle(ctx context.Context, w *sandbox.Worker, cause error) {
	logger.Warn(ctx, "sandbox run failed, recycling worker", zap.String("worker_id", w.ID()), zap.Error(cause))
	if err := w.Recycle(ctx); err != nil {
		logger.Error(ctx, "recycle sandbox failed, worker stays out of service until next recycle",
			zap.String("worker_id", w.ID()), zap.Error(err))
	}
}

func (j *Judge) archive(ctx context.Context, submissionID string, res *model.JudgeResult) {
	if j.archiver == nil || submissionID == "" {
		return
	}
	archiveCtx, cancel := context.WithTimeout(ctx, j.archiveTimeout)
	defer cancel()
	if err := j.archiver.Archive(archiveCtx, submissionID, res); err != nil {
		logger.Warn(ctx, "archive judge result failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
}

// stage writes the three input directories under root.
func stage(root, sourceFile string, req model.JudgeRequest) error {
	files := map[string][]byte{
		filepath.Join("src", sourceFile): []byte(req.SourceCode),
	}
	cases := req.TestCases
	if cases == nil {
		cases = []model.CaseInput{}
	}
	tests, err := json.Marshal(cases)
	if err != nil {
		return err
	}
	files[filepath.Join("tests", testcasesFile)] = tests
	limits, err := json.Marshal(req.Limits)
	if err != nil {
		return err
	}
	files[filepath.Join("limits", limitsFile)] = limits

	for rel, data := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readResult(path string) (*model.JudgeResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidJudgeResult, "sandbox wrote no result")
	}
	if info.Size() > maxResultBytes {
		return nil, appErr.Newf(appErr.InvalidJudgeResult, "result file too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidJudgeResult, "read result")
	}
	var res model.JudgeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidJudgeResult, "decode result")
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return &res, nil
}
