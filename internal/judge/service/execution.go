package service

import (
	"context"
	"fmt"
	"time"

	"sandboxjudge/internal/judge/metrics"
	"sandboxjudge/internal/judge/model"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/utils/contextkey"
	"sandboxjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// SubmissionStore is the part of the submission store execution needs.
// Finish must refuse a write once the claim the submission was read under
// has been recovered, reporting SubmissionInvalidState.
type SubmissionStore interface {
	FindByID(ctx context.Context, id string) (*model.Submission, error)
	Finish(ctx context.Context, sub *model.Submission) error
}

// ProblemReader loads problems.
type ProblemReader interface {
	FindByID(ctx context.Context, id string) (*model.Problem, error)
}

// TestCaseReader loads the cases of a test case set.
type TestCaseReader interface {
	FindBySetID(ctx context.Context, testcaseSetID string) ([]model.TestCase, error)
}

// Runner judges one request.
type Runner interface {
	Run(ctx context.Context, req model.JudgeRequest) (*model.JudgeResult, error)
}

// StatusEventPublisher publishes terminal status events.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, event model.StatusEvent) error
}

// ExecutionConfig holds execution service dependencies.
type ExecutionConfig struct {
	Submissions SubmissionStore
	Problems    ProblemReader
	TestCases   TestCaseReader
	Judge       Runner
	// Publisher is optional.
	Publisher      StatusEventPublisher
	PublishTimeout time.Duration
	Now            func() time.Time
}

// ExecutionService runs one submission end to end and persists the outcome.
type ExecutionService struct {
	submissions    SubmissionStore
	problems       ProblemReader
	testCases      TestCaseReader
	judge          Runner
	publisher      StatusEventPublisher
	publishTimeout time.Duration
	now            func() time.Time
}

func NewExecutionService(cfg ExecutionConfig) (*ExecutionService, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem reader is required")
	}
	if cfg.TestCases == nil {
		return nil, fmt.Errorf("test case reader is required")
	}
	if cfg.Judge == nil {
		return nil, fmt.Errorf("judge is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ExecutionService{
		submissions:    cfg.Submissions,
		problems:       cfg.Problems,
		testCases:      cfg.TestCases,
		judge:          cfg.Judge,
		publisher:      cfg.Publisher,
		publishTimeout: cfg.PublishTimeout,
		now:            cfg.Now,
	}, nil
}

// Execute judges a submission and persists DONE or FAILED exactly once.
// A missing submission is reported without touching any state. On failure
// the FAILED status is persisted before the error is returned. A result
// whose claim went stale is dropped without publishing.
func (s *ExecutionService) Execute(ctx context.Context, submissionID string) error {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)

	sub, err := s.submissions.FindByID(ctx, submissionID)
	if err != nil {
		return err
	}

	result, runErr := s.judgeSubmission(ctx, sub)

	finished := s.now()
	sub.FinishedAt = &finished
	if runErr != nil {
		sub.Status = model.StatusFailed
		sub.Result = nil
	} else {
		sub.Status = model.StatusDone
		sub.Result = result
	}

	if err := s.submissions.Finish(ctx, sub); err != nil {
		if appErr.Is(err, appErr.SubmissionInvalidState) {
			// The sweep requeued this run and a newer claim owns the row.
			logger.Warn(ctx, "discarding result of stale claim",
				zap.String("worker_id", sub.WorkerID),
				zap.Int("attempts", sub.Attempts),
				zap.Error(err),
			)
			metrics.StaleClaimsTotal.Inc()
			return nil
		}
		if runErr != nil {
			logger.Error(ctx, "persist failed submission failed", zap.Error(err))
			return runErr
		}
		return err
	}
	metrics.SubmissionsTotal.WithLabelValues(string(sub.Status)).Inc()
	s.publish(ctx, sub)

	if runErr != nil {
		return runErr
	}
	logger.Info(ctx, "submission judged",
		zap.String("verdict", string(result.Status)),
		zap.Int("passed", result.Passed),
		zap.Int("total", result.Total),
	)
	return nil
}

func (s *ExecutionService) judgeSubmission(ctx context.Context, sub *model.Submission) (*model.JudgeResult, error) {
	problem, err := s.problems.FindByID(ctx, sub.ProblemID)
	if err != nil {
		return nil, err
	}
	cases, err := s.testCases.FindBySetID(ctx, problem.TestcaseSetID)
	if err != nil {
		return nil, err
	}
	req := model.NewJudgeRequest(sub, problem, cases)
	res, err := s.judge.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, appErr.New(appErr.InvalidJudgeResult).WithMessage("judge returned no result")
	}
	return res, nil
}

func (s *ExecutionService) publish(ctx context.Context, sub *model.Submission) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	event := model.NewFinalStatusEvent(sub, s.now().Unix())
	if err := s.publisher.PublishFinalStatus(pubCtx, event); err != nil {
		logger.Warn(ctx, "publish final status failed", zap.Error(err))
	}
}
