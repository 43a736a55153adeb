package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"sandboxjudge/internal/judge/model"
	appErr "sandboxjudge/pkg/errors"
)

// MemorySubmissionRepository keeps submissions in process memory. A single
// mutex makes claim and recover atomic, which is enough for one worker
// process and for tests.
type MemorySubmissionRepository struct {
	mu          sync.Mutex
	rows        map[string]*memoryRow
	seq         int64
	maxAttempts int
	now         func() time.Time
}

type memoryRow struct {
	sub *model.Submission
	seq int64
}

// NewMemorySubmissionRepository creates an empty in-memory repository.
func NewMemorySubmissionRepository(maxAttempts int) *MemorySubmissionRepository {
	return &MemorySubmissionRepository{
		rows:        make(map[string]*memoryRow),
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (r *MemorySubmissionRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemorySubmissionRepository) Add(_ context.Context, sub *model.Submission) error {
	if err := ValidateNew(sub); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[sub.ID]; ok {
		return appErr.Newf(appErr.RecordAlreadyExists, "submission %s already exists", sub.ID)
	}
	row := sub.Clone()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.now()
	}
	r.seq++
	r.rows[sub.ID] = &memoryRow{sub: row, seq: r.seq}
	return nil
}

func (r *MemorySubmissionRepository) FindByID(_ context.Context, id string) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
	}
	return row.sub.Clone(), nil
}

func (r *MemorySubmissionRepository) Update(_ context.Context, sub *model.Submission) error {
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[sub.ID]
	if !ok {
		return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", sub.ID)
	}
	next := sub.Clone()
	next.CreatedAt = row.sub.CreatedAt
	row.sub = next
	return nil
}

func (r *MemorySubmissionRepository) Finish(_ context.Context, sub *model.Submission) error {
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[sub.ID]
	if !ok {
		return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", sub.ID)
	}
	cur := row.sub
	if cur.Status != model.StatusRunning || cur.WorkerID != sub.WorkerID || cur.Attempts != sub.Attempts {
		return staleClaim(sub)
	}
	cur.Status = sub.Status
	cur.Result = sub.Result.Clone()
	if sub.FinishedAt != nil {
		finished := *sub.FinishedAt
		cur.FinishedAt = &finished
	} else {
		cur.FinishedAt = nil
	}
	return nil
}

func (r *MemorySubmissionRepository) ClaimPendingBatch(_ context.Context, limit int, workerID string) ([]*model.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, appErr.ValidationError("workerId", "required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.collect(func(s *model.Submission) bool { return s.Status == model.StatusPending })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	now := r.now()
	out := make([]*model.Submission, 0, len(pending))
	for _, row := range pending {
		started := now
		row.sub.Status = model.StatusRunning
		row.sub.StartedAt = &started
		row.sub.WorkerID = workerID
		row.sub.Attempts++
		out = append(out, row.sub.Clone())
	}
	return out, nil
}

func (r *MemorySubmissionRepository) FindStuckRunning(_ context.Context, timeout time.Duration) ([]*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	rows := r.collect(func(s *model.Submission) bool { return r.stuck(s, cutoff) })
	out := make([]*model.Submission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.sub.Clone())
	}
	return out, nil
}

func (r *MemorySubmissionRepository) RecoverInvalid(_ context.Context, timeout time.Duration) ([]*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	rows := r.collect(func(s *model.Submission) bool {
		if r.stuck(s, cutoff) {
			return true
		}
		return s.Status == model.StatusFailed && (r.maxAttempts <= 0 || s.Attempts < r.maxAttempts)
	})
	out := make([]*model.Submission, 0, len(rows))
	for _, row := range rows {
		resetRow(row.sub)
		out = append(out, row.sub.Clone())
	}
	return out, nil
}

func (r *MemorySubmissionRepository) ResetToPending(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
	}
	resetRow(row.sub)
	return nil
}

func (r *MemorySubmissionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
	}
	delete(r.rows, id)
	return nil
}

func (r *MemorySubmissionRepository) DeleteByProblem(_ context.Context, problemID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.sub.ProblemID == problemID {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *MemorySubmissionRepository) stuck(s *model.Submission, cutoff time.Time) bool {
	return s.Status == model.StatusRunning && s.StartedAt != nil && s.StartedAt.Before(cutoff)
}

// collect returns matching rows oldest first. Caller holds mu.
func (r *MemorySubmissionRepository) collect(match func(*model.Submission) bool) []*memoryRow {
	var rows []*memoryRow
	for _, row := range r.rows {
		if match(row.sub) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.sub.CreatedAt.Equal(b.sub.CreatedAt) {
			return a.sub.CreatedAt.Before(b.sub.CreatedAt)
		}
		return a.seq < b.seq
	})
	return rows
}

func resetRow(s *model.Submission) {
	s.Status = model.StatusPending
	s.StartedAt = nil
	s.FinishedAt = nil
	s.WorkerID = ""
	s.Result = nil
}

var _ SubmissionRepository = (*MemorySubmissionRepository)(nil)
