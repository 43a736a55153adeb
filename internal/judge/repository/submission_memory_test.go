package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sandboxjudge/internal/judge/model"
	"sandboxjudge/internal/judge/repository"
	appErr "sandboxjudge/pkg/errors"
)

func pending(id string, created time.Time) *model.Submission {
	return &model.Submission{
		ID:         id,
		ProblemID:  "p1",
		UserID:     "u1",
		Language:   "python",
		SourceCode: "print(1)",
		Status:     model.StatusPending,
		CreatedAt:  created,
	}
}

func TestMemoryAddValidation(t *testing.T) {
	t.Parallel()
	base := time.Now()
	tests := []struct {
		name   string
		mutate func(*model.Submission)
	}{
		{name: "missing id", mutate: func(s *model.Submission) { s.ID = "" }},
		{name: "missing problem", mutate: func(s *model.Submission) { s.ProblemID = "" }},
		{name: "missing user", mutate: func(s *model.Submission) { s.UserID = "" }},
		{name: "blank source", mutate: func(s *model.Submission) { s.SourceCode = "  \n" }},
		{name: "not pending", mutate: func(s *model.Submission) { s.Status = model.StatusRunning }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo := repository.NewMemorySubmissionRepository(3)
			sub := pending("s1", base)
			tt.mutate(sub)
			if err := repo.Add(context.Background(), sub); !appErr.Is(err, appErr.ValidationFailed) {
				t.Fatalf("expected ValidationFailed, got %v", err)
			}
		})
	}
}

func TestMemoryAddDuplicate(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	ctx := context.Background()
	if err := repo.Add(ctx, pending("s1", time.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := repo.Add(ctx, pending("s1", time.Now())); !appErr.Is(err, appErr.RecordAlreadyExists) {
		t.Fatalf("expected RecordAlreadyExists, got %v", err)
	}
}

func TestMemoryClaimOldestFirst(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	offsets := map[string]time.Duration{"a": 0, "b": time.Second, "c": 2 * time.Second}
	for _, id := range []string{"c", "a", "b"} {
		if err := repo.Add(ctx, pending(id, base.Add(offsets[id]))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	claimed, err := repo.ClaimPendingBatch(ctx, 2, "judge-x")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "a" || claimed[1].ID != "b" {
		t.Fatalf("expected [a b], got %v", ids(claimed))
	}
	for _, sub := range claimed {
		if sub.Status != model.StatusRunning || sub.WorkerID != "judge-x" || sub.Attempts != 1 || sub.StartedAt == nil {
			t.Fatalf("unexpected claimed row: %+v", sub)
		}
	}

	stored, _ := repo.FindByID(ctx, "c")
	if stored.Status != model.StatusPending {
		t.Fatalf("expected c to stay pending, got %s", stored.Status)
	}
}

func TestMemoryClaimIsDisjoint(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		if err := repo.Add(ctx, pending(fmt.Sprintf("s%02d", i), time.Now())); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				batch, err := repo.ClaimPendingBatch(ctx, 3, fmt.Sprintf("judge-%d", w))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, sub := range batch {
					seen[sub.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct claims, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("submission %s claimed %d times", id, n)
		}
	}
}

func TestMemoryRecoverInvalid(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })

	for _, id := range []string{"stuck", "fresh", "retry", "exhausted", "done"} {
		if err := repo.Add(ctx, pending(id, now.Add(-time.Hour))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	set := func(id string, status model.SubmissionStatus, started time.Time, attempts int) {
		sub, _ := repo.FindByID(ctx, id)
		sub.Status = status
		sub.StartedAt = &started
		sub.WorkerID = "judge-old"
		sub.Attempts = attempts
		if err := repo.Update(ctx, sub); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	set("stuck", model.StatusRunning, now.Add(-10*time.Minute), 1)
	set("fresh", model.StatusRunning, now.Add(-time.Minute), 1)
	set("retry", model.StatusFailed, now.Add(-time.Minute), 2)
	set("exhausted", model.StatusFailed, now.Add(-time.Minute), 3)
	set("done", model.StatusDone, now.Add(-time.Minute), 1)

	stuck, err := repo.FindStuckRunning(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("find stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "stuck" {
		t.Fatalf("expected [stuck], got %v", ids(stuck))
	}

	recovered, err := repo.RecoverInvalid(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	got := map[string]bool{}
	for _, sub := range recovered {
		got[sub.ID] = true
	}
	if len(got) != 2 || !got["stuck"] || !got["retry"] {
		t.Fatalf("expected stuck and retry recovered, got %v", ids(recovered))
	}

	expect := map[string]model.SubmissionStatus{
		"stuck":     model.StatusPending,
		"fresh":     model.StatusRunning,
		"retry":     model.StatusPending,
		"exhausted": model.StatusFailed,
		"done":      model.StatusDone,
	}
	for id, status := range expect {
		sub, _ := repo.FindByID(ctx, id)
		if sub.Status != status {
			t.Fatalf("%s: expected %s, got %s", id, status, sub.Status)
		}
		if status == model.StatusPending && (sub.StartedAt != nil || sub.WorkerID != "") {
			t.Fatalf("%s: expected started_at and worker cleared, got %+v", id, sub)
		}
	}

	again, _ := repo.RecoverInvalid(ctx, 5*time.Minute)
	if len(again) != 0 {
		t.Fatalf("expected second sweep to recover nothing, got %v", ids(again))
	}
}

func TestMemoryResetAndDelete(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(0)
	ctx := context.Background()
	if err := repo.ResetToPending(ctx, "missing"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}

	_ = repo.Add(ctx, pending("s1", time.Now()))
	other := pending("s2", time.Now())
	other.ProblemID = "p2"
	_ = repo.Add(ctx, other)
	_ = repo.Add(ctx, pending("s3", time.Now()))

	sub, _ := repo.FindByID(ctx, "s1")
	sub.Status = model.StatusDone
	sub.Result = &model.JudgeResult{Status: model.VerdictAC}
	_ = repo.Update(ctx, sub)
	if err := repo.ResetToPending(ctx, "s1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	sub, _ = repo.FindByID(ctx, "s1")
	if sub.Status != model.StatusPending || sub.Result != nil {
		t.Fatalf("expected pending without result, got %+v", sub)
	}

	n, err := repo.DeleteByProblem(ctx, "p1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted, got %d (%v)", n, err)
	}
	if err := repo.Delete(ctx, "s2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, "s2"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemorySubmissionRepository(3)
	ctx := context.Background()
	_ = repo.Add(ctx, pending("s1", time.Now()))
	sub, _ := repo.FindByID(ctx, "s1")
	sub.Status = model.StatusDone
	again, _ := repo.FindByID(ctx, "s1")
	if again.Status != model.StatusPending {
		t.Fatalf("expected stored row unaffected by caller mutation")
	}
}

func ids(subs []*model.Submission) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func TestMemoryFinishRejectsStaleClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository(3)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })
	if err := repo.Add(ctx, pending("s1", now)); err != nil {
		t.Fatalf("add: %v", err)
	}
	first, _ := repo.ClaimPendingBatch(ctx, 1, "judge-a")

	// The first run outlives the stuck timeout and the row is handed out again.
	now = now.Add(10 * time.Minute)
	if _, err := repo.RecoverInvalid(ctx, 5*time.Minute); err != nil {
		t.Fatalf("recover: %v", err)
	}
	second, _ := repo.ClaimPendingBatch(ctx, 1, "judge-b")

	finished := now
	stale := first[0]
	stale.Status = model.StatusDone
	stale.FinishedAt = &finished
	stale.Result = &model.JudgeResult{Status: model.VerdictWA, Total: 1}
	if err := repo.Finish(ctx, stale); !appErr.Is(err, appErr.SubmissionInvalidState) {
		t.Fatalf("expected SubmissionInvalidState for stale claim, got %v", err)
	}

	current := second[0]
	current.Status = model.StatusDone
	current.FinishedAt = &finished
	current.Result = &model.JudgeResult{Status: model.VerdictAC, Passed: 1, Total: 1}
	if err := repo.Finish(ctx, current); err != nil {
		t.Fatalf("finish current claim: %v", err)
	}
	// A second write for the same claim is refused too.
	if err := repo.Finish(ctx, current); !appErr.Is(err, appErr.SubmissionInvalidState) {
		t.Fatalf("expected repeated finish refused, got %v", err)
	}

	sub, _ := repo.FindByID(ctx, "s1")
	if sub.Status != model.StatusDone || sub.Result.Status != model.VerdictAC || sub.WorkerID != "judge-b" || sub.Attempts != 2 {
		t.Fatalf("expected newer claim's result, got %+v", sub)
	}
	if err := repo.Finish(ctx, &model.Submission{ID: "ghost"}); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}
