package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sandboxjudge/internal/judge/model"
	"sandboxjudge/internal/judge/repository"
	"sandboxjudge/internal/judge/sandbox/engine"
	"sandboxjudge/internal/judge/sandbox/sandboxtest"
	"sandboxjudge/internal/judge/service"
	appErr "sandboxjudge/pkg/errors"
)

type fakeProblems struct {
	problems map[string]*model.Problem
	cases    map[string][]model.TestCase
}

func (f *fakeProblems) FindByID(_ context.Context, id string) (*model.Problem, error) {
	p, ok := f.problems[id]
	if !ok {
		return nil, appErr.Newf(appErr.ProblemNotFound, "problem %s not found", id)
	}
	return p, nil
}

func (f *fakeProblems) FindBySetID(_ context.Context, setID string) ([]model.TestCase, error) {
	return f.cases[setID], nil
}

func problemData() *fakeProblems {
	return &fakeProblems{
		problems: map[string]*model.Problem{
			"p1": {ID: "p1", Title: "A+B", TimeLimitMs: 1000, MemoryLimitMb: 256, TestcaseSetID: "set-1"},
		},
		cases: map[string][]model.TestCase{
			"set-1": {
				{ID: "t0", Input: "0 0\n", ExpectedOutput: "0\n", Visibility: model.VisibilitySample, Order: 0},
				{ID: "t3", Input: "3 3\n", ExpectedOutput: "6\n", Visibility: model.VisibilityPrivate, Order: 3},
				{ID: "t1", Input: "1 1\n", ExpectedOutput: "2\n", Visibility: model.VisibilityPublic, Order: 1},
				{ID: "t2", Input: "2 2\n", ExpectedOutput: "4\n", Visibility: model.VisibilityPrivate, Order: 2},
			},
		},
	}
}

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []model.JudgeRequest
	res   *model.JudgeResult
	err   error
	calls int
}

func (f *fakeRunner) Run(_ context.Context, req model.JudgeRequest) (*model.JudgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *recordingPublisher) PublishFinalStatus(_ context.Context, event model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func seedSubmission(t *testing.T, repo *repository.MemorySubmissionRepository, id, language string) {
	t.Helper()
	sub := &model.Submission{ID: id, ProblemID: "p1", UserID: "u1", Language: language, SourceCode: "print(1)", Status: model.StatusPending}
	if err := repo.Add(context.Background(), sub); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := repo.ClaimPendingBatch(context.Background(), 1, "judge-test"); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func newExecution(t *testing.T, repo service.SubmissionStore, runner service.Runner, pub service.StatusEventPublisher) *service.ExecutionService {
	t.Helper()
	problems := problemData()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, err := service.NewExecutionService(service.ExecutionConfig{
		Submissions: repo,
		Problems:    problems,
		TestCases:   problems,
		Judge:       runner,
		Publisher:   pub,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new execution service: %v", err)
	}
	return svc
}

func TestExecutePersistsDone(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	seedSubmission(t, repo, "s1", "python")
	runner := &fakeRunner{res: acResult(3)}
	pub := &recordingPublisher{}
	svc := newExecution(t, repo, runner, pub)

	if err := svc.Execute(context.Background(), "s1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	req := runner.reqs[0]
	if len(req.TestCases) != 3 || req.TestCases[0].Input != "1 1\n" || req.TestCases[2].Input != "3 3\n" {
		t.Fatalf("expected hidden cases ordered by order, got %+v", req.TestCases)
	}
	if req.Limits.TimeMs != 1000 || req.Limits.MemoryMb != 256 {
		t.Fatalf("unexpected limits %+v", req.Limits)
	}

	sub, _ := repo.FindByID(context.Background(), "s1")
	if sub.Status != model.StatusDone || sub.Result == nil || sub.Result.Status != model.VerdictAC {
		t.Fatalf("expected DONE/AC, got %+v", sub)
	}
	if sub.FinishedAt == nil || sub.WorkerID != "judge-test" {
		t.Fatalf("expected finished_at set and worker kept, got %+v", sub)
	}
	if len(pub.events) != 1 || pub.events[0].Verdict != model.VerdictAC || pub.events[0].Status != model.StatusDone {
		t.Fatalf("expected one final event, got %+v", pub.events)
	}
}

func TestExecutePersistsFailed(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	seedSubmission(t, repo, "s1", "python")
	runner := &fakeRunner{err: appErr.New(appErr.SandboxError)}
	pub := &recordingPublisher{}
	svc := newExecution(t, repo, runner, pub)

	if err := svc.Execute(context.Background(), "s1"); !appErr.Is(err, appErr.SandboxError) {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	sub, _ := repo.FindByID(context.Background(), "s1")
	if sub.Status != model.StatusFailed || sub.Result != nil || sub.FinishedAt == nil {
		t.Fatalf("expected FAILED without result, got %+v", sub)
	}
	if len(pub.events) != 1 || pub.events[0].Status != model.StatusFailed {
		t.Fatalf("expected one FAILED event, got %+v", pub.events)
	}
}

func TestExecuteMissingProblemFails(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	sub := &model.Submission{ID: "s1", ProblemID: "ghost", UserID: "u1", Language: "python", SourceCode: "x", Status: model.StatusPending}
	_ = repo.Add(context.Background(), sub)
	_, _ = repo.ClaimPendingBatch(context.Background(), 1, "judge-test")
	runner := &fakeRunner{res: acResult(1)}
	svc := newExecution(t, repo, runner, nil)

	if err := svc.Execute(context.Background(), "s1"); !appErr.Is(err, appErr.ProblemNotFound) {
		t.Fatalf("expected ProblemNotFound, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("expected judge not called")
	}
	stored, _ := repo.FindByID(context.Background(), "s1")
	if stored.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
}

type countingStore struct {
	*repository.MemorySubmissionRepository
	updates int
	err     error
}

func (s *countingStore) Finish(ctx context.Context, sub *model.Submission) error {
	s.updates++
	if s.err != nil {
		return s.err
	}
	return s.MemorySubmissionRepository.Finish(ctx, sub)
}

func TestExecuteMissingSubmissionPersistsNothing(t *testing.T) {
	t.Parallel()
	store := &countingStore{MemorySubmissionRepository: repository.NewMemorySubmissionRepository(3)}
	runner := &fakeRunner{res: acResult(1)}
	pub := &recordingPublisher{}
	svc := newExecution(t, store, runner, pub)

	if err := svc.Execute(context.Background(), "nope"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	if store.updates != 0 || runner.calls != 0 || len(pub.events) != 0 {
		t.Fatalf("expected no side effects, got updates=%d calls=%d events=%d", store.updates, runner.calls, len(pub.events))
	}
}

func TestExecuteUpdateFailure(t *testing.T) {
	t.Parallel()
	store := &countingStore{MemorySubmissionRepository: repository.NewMemorySubmissionRepository(3), err: errors.New("db down")}
	seedSubmission(t, store.MemorySubmissionRepository, "s1", "python")
	pub := &recordingPublisher{}

	svc := newExecution(t, store, &fakeRunner{res: acResult(1)}, pub)
	if err := svc.Execute(context.Background(), "s1"); err == nil || err.Error() != "db down" {
		t.Fatalf("expected store error, got %v", err)
	}

	svc = newExecution(t, store, &fakeRunner{err: appErr.New(appErr.SandboxError)}, pub)
	if err := svc.Execute(context.Background(), "s1"); !appErr.Is(err, appErr.SandboxError) {
		t.Fatalf("expected run error to win over store error, got %v", err)
	}
	if store.updates != 2 {
		t.Fatalf("expected exactly one update per execution, got %d", store.updates)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no events when persisting fails, got %d", len(pub.events))
	}
}

// requeueingRunner simulates the sweep recovering the row and another
// dispatcher claiming it while the first judge run is still going.
type requeueingRunner struct {
	repo *repository.MemorySubmissionRepository
	res  *model.JudgeResult
}

func (r *requeueingRunner) Run(ctx context.Context, req model.JudgeRequest) (*model.JudgeResult, error) {
	if err := r.repo.ResetToPending(ctx, req.SubmissionID); err != nil {
		return nil, err
	}
	if _, err := r.repo.ClaimPendingBatch(ctx, 1, "judge-other"); err != nil {
		return nil, err
	}
	return r.res, nil
}

func TestExecuteDropsStaleClaim(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	seedSubmission(t, repo, "s1", "python")
	pub := &recordingPublisher{}
	svc := newExecution(t, repo, &requeueingRunner{repo: repo, res: acResult(3)}, pub)

	if err := svc.Execute(context.Background(), "s1"); err != nil {
		t.Fatalf("expected stale claim to be discarded quietly, got %v", err)
	}
	sub, _ := repo.FindByID(context.Background(), "s1")
	if sub.Status != model.StatusRunning || sub.WorkerID != "judge-other" || sub.Attempts != 2 || sub.Result != nil {
		t.Fatalf("expected newer claim untouched, got %+v", sub)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no event for a stale claim, got %d", len(pub.events))
	}
}

func TestExecuteEndToEndTimeLimit(t *testing.T) {
	t.Parallel()
	rt := sandboxtest.New(func(context.Context, *sandboxtest.Container, []string, time.Duration) (engine.ExecResult, error) {
		return engine.ExecResult{TimedOut: true}, nil
	})
	j := newJudge(t, newRegistry(t, rt, 1), nil)
	repo := repository.NewMemorySubmissionRepository(3)
	seedSubmission(t, repo, "s1", "python")
	svc := newExecution(t, repo, j, nil)

	if err := svc.Execute(context.Background(), "s1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	sub, _ := repo.FindByID(context.Background(), "s1")
	if sub.Status != model.StatusDone || sub.Result == nil {
		t.Fatalf("expected DONE, got %+v", sub)
	}
	if r := sub.Result; r.Status != model.VerdictTLE || r.Passed != 0 || r.Total != 3 || len(r.CaseResults) != 0 {
		t.Fatalf("expected TLE 0/3 without cases, got %+v", r)
	}
}

func TestExecuteEndToEndUnsupportedLanguage(t *testing.T) {
	t.Parallel()
	j := newJudge(t, newRegistry(t, sandboxtest.New(nil), 1), nil)
	repo := repository.NewMemorySubmissionRepository(3)
	seedSubmission(t, repo, "s1", "cobol")
	svc := newExecution(t, repo, j, nil)

	if err := svc.Execute(context.Background(), "s1"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	sub, _ := repo.FindByID(context.Background(), "s1")
	if sub.Status != model.StatusFailed || sub.Result != nil {
		t.Fatalf("expected FAILED without result, got %+v", sub)
	}
}
