package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sandboxjudge/internal/common/db"
	"sandboxjudge/internal/judge/model"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/repository"
)

const (
	submissionTable   = "submissions"
	submissionColumns = "id, problem_id, user_id, language, source_code, status, result, created_at, started_at, finished_at, worker_id, attempts"
)

// SubmissionRepository is the submission store. Claim and recover are
// atomic: concurrent callers, in this process or another, never receive the
// same row.
type SubmissionRepository interface {
	Add(ctx context.Context, sub *model.Submission) error
	FindByID(ctx context.Context, id string) (*model.Submission, error)
	Update(ctx context.Context, sub *model.Submission) error
	// Finish writes the terminal status, result and finished_at of a run, but
	// only while the row is still held by the claim sub was read under
	// (RUNNING, same worker_id and attempts). A claim that was recovered and
	// handed out again fails with SubmissionInvalidState.
	Finish(ctx context.Context, sub *model.Submission) error
	// ClaimPendingBatch moves up to limit of the oldest PENDING submissions
	// to RUNNING, stamped with workerID, and returns them.
	ClaimPendingBatch(ctx context.Context, limit int, workerID string) ([]*model.Submission, error)
	// FindStuckRunning lists RUNNING submissions started before now-timeout.
	FindStuckRunning(ctx context.Context, timeout time.Duration) ([]*model.Submission, error)
	// RecoverInvalid resets stuck RUNNING and retryable FAILED submissions
	// to PENDING and returns the rows it reset.
	RecoverInvalid(ctx context.Context, timeout time.Duration) ([]*model.Submission, error)
	// ResetToPending requeues one submission regardless of its status.
	ResetToPending(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DeleteByProblem(ctx context.Context, problemID string) (int64, error)
}

// SQLSubmissionRepository implements SubmissionRepository on MySQL 8 or
// PostgreSQL using SELECT ... FOR UPDATE SKIP LOCKED.
type SQLSubmissionRepository struct {
	db          db.Database
	maxAttempts int
	now         func() time.Time
}

// NewSubmissionRepository creates a SQL-backed repository. FAILED rows are
// requeued while attempts < maxAttempts; 0 means no limit.
func NewSubmissionRepository(database db.Database, maxAttempts int) *SQLSubmissionRepository {
	return &SQLSubmissionRepository{db: database, maxAttempts: maxAttempts, now: func() time.Time { return time.Now().UTC() }}
}

// ValidateNew checks a submission before it is added.
func ValidateNew(sub *model.Submission) error {
	if sub == nil {
		return appErr.ValidationError("submission", "required")
	}
	for field, value := range map[string]string{
		"id":         sub.ID,
		"problemId":  sub.ProblemID,
		"userId":     sub.UserID,
		"sourceCode": sub.SourceCode,
	} {
		if strings.TrimSpace(value) == "" {
			return appErr.ValidationError(field, "required")
		}
	}
	if sub.Status != model.StatusPending {
		return appErr.ValidationError("status", "must be PENDING")
	}
	return nil
}

func (r *SQLSubmissionRepository) Add(ctx context.Context, sub *model.Submission) error {
	if err := ValidateNew(sub); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = r.now()
	}
	query := "INSERT INTO " + submissionTable + " (" + submissionColumns + ") VALUES (" + db.Placeholders(12) + ")"
	args, err := submissionArgs(sub)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		if db.IsUniqueViolation(err) {
			return appErr.Newf(appErr.RecordAlreadyExists, "submission %s already exists", sub.ID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "insert submission")
	}
	return nil
}

func (r *SQLSubmissionRepository) FindByID(ctx context.Context, id string) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + " FROM " + submissionTable + " WHERE id = ?"
	sub, err := scanSubmission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "find submission")
	}
	return sub, nil
}

func (r *SQLSubmissionRepository) Update(ctx context.Context, sub *model.Submission) error {
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	result, err := encodeResult(sub.Result)
	if err != nil {
		return err
	}
	query := "UPDATE " + submissionTable + " SET status = ?, result = ?, started_at = ?, finished_at = ?, worker_id = ?, attempts = ? WHERE id = ?"
	if _, err := r.db.Exec(ctx, query,
		string(sub.Status), result, nullTime(sub.StartedAt), nullTime(sub.FinishedAt), nullString(sub.WorkerID), sub.Attempts, sub.ID,
	); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update submission")
	}
	return nil
}

func (r *SQLSubmissionRepository) Finish(ctx context.Context, sub *model.Submission) error {
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	result, err := encodeResult(sub.Result)
	if err != nil {
		return err
	}
	query := "UPDATE " + submissionTable + " SET status = ?, result = ?, finished_at = ? WHERE id = ? AND status = ? AND worker_id = ? AND attempts = ?"
	res, err := r.db.Exec(ctx, query,
		string(sub.Status), result, nullTime(sub.FinishedAt), sub.ID, string(model.StatusRunning), sub.WorkerID, sub.Attempts,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "finish submission")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := r.FindByID(ctx, sub.ID); err != nil {
		return err
	}
	return staleClaim(sub)
}

func staleClaim(sub *model.Submission) error {
	return appErr.Newf(appErr.SubmissionInvalidState, "claim %s/%d on submission %s is no longer current", sub.WorkerID, sub.Attempts, sub.ID)
}

func (r *SQLSubmissionRepository) ClaimPendingBatch(ctx context.Context, limit int, workerID string) ([]*model.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, appErr.ValidationError("workerId", "required")
	}
	var claimed []*model.Submission
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		opts := repository.SelectOptions{
			Table:      submissionTable,
			Columns:    []string{"id"},
			Sort:       []repository.SortField{{Field: "created_at"}},
			Limit:      limit,
			ForUpdate:  true,
			SkipLocked: true,
		}
		opts.AddFilter("status", repository.OpEqual, string(model.StatusPending))
		ids, err := selectIDs(ctx, tx, opts)
		if err != nil || len(ids) == 0 {
			return err
		}

		query := "UPDATE " + submissionTable + " SET status = ?, started_at = ?, worker_id = ?, attempts = attempts + 1 WHERE id IN (" + db.Placeholders(len(ids)) + ")"
		args := append([]interface{}{string(model.StatusRunning), r.now(), workerID}, ids...)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return err
		}
		claimed, err = findByIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TransactionFailed, "claim pending submissions")
	}
	return claimed, nil
}

func (r *SQLSubmissionRepository) FindStuckRunning(ctx context.Context, timeout time.Duration) ([]*model.Submission, error) {
	opts := repository.SelectOptions{
		Table:   submissionTable,
		Columns: strings.Split(submissionColumns, ", "),
		Sort:    []repository.SortField{{Field: "started_at"}},
	}
	opts.AddFilter("status", repository.OpEqual, string(model.StatusRunning)).
		AddFilter("started_at", repository.OpLessThan, r.now().Add(-timeout))
	query, args, err := opts.BuildSelect()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "find stuck submissions")
	}
	return scanSubmissions(rows)
}

func (r *SQLSubmissionRepository) RecoverInvalid(ctx context.Context, timeout time.Duration) ([]*model.Submission, error) {
	var recovered []*model.Submission
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		stuck := repository.SelectOptions{
			Table:      submissionTable,
			Columns:    []string{"id"},
			Sort:       []repository.SortField{{Field: "created_at"}},
			ForUpdate:  true,
			SkipLocked: true,
		}
		stuck.AddFilter("status", repository.OpEqual, string(model.StatusRunning)).
			AddFilter("started_at", repository.OpLessThan, r.now().Add(-timeout))
		ids, err := selectIDs(ctx, tx, stuck)
		if err != nil {
			return err
		}

		failed := repository.SelectOptions{
			Table:      submissionTable,
			Columns:    []string{"id"},
			Sort:       []repository.SortField{{Field: "created_at"}},
			ForUpdate:  true,
			SkipLocked: true,
		}
		failed.AddFilter("status", repository.OpEqual, string(model.StatusFailed))
		if r.maxAttempts > 0 {
			failed.AddFilter("attempts", repository.OpLessThan, r.maxAttempts)
		}
		failedIDs, err := selectIDs(ctx, tx, failed)
		if err != nil {
			return err
		}
		ids = append(ids, failedIDs...)
		if len(ids) == 0 {
			return nil
		}

		query := "UPDATE " + submissionTable + " SET status = ?, started_at = NULL, finished_at = NULL, worker_id = NULL, result = NULL WHERE id IN (" + db.Placeholders(len(ids)) + ")"
		args := append([]interface{}{string(model.StatusPending)}, ids...)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return err
		}
		recovered, err = findByIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TransactionFailed, "recover submissions")
	}
	return recovered, nil
}

func (r *SQLSubmissionRepository) ResetToPending(ctx context.Context, id string) error {
	query := "UPDATE " + submissionTable + " SET status = ?, started_at = NULL, finished_at = NULL, worker_id = NULL, result = NULL WHERE id = ? AND status <> ?"
	res, err := r.db.Exec(ctx, query, string(model.StatusPending), id, string(model.StatusPending))
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "reset submission")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	// Nothing changed: either already PENDING or missing.
	_, err = r.FindByID(ctx, id)
	return err
}

func (r *SQLSubmissionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.Exec(ctx, "DELETE FROM "+submissionTable+" WHERE id = ?", id)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "delete submission")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
	}
	return nil
}

func (r *SQLSubmissionRepository) DeleteByProblem(ctx context.Context, problemID string) (int64, error) {
	res, err := r.db.Exec(ctx, "DELETE FROM "+submissionTable+" WHERE problem_id = ?", problemID)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "delete submissions by problem")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "delete submissions by problem")
	}
	return n, nil
}

func selectIDs(ctx context.Context, q db.Querier, opts repository.SelectOptions) ([]interface{}, error) {
	query, args, err := opts.BuildSelect()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []interface{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func findByIDs(ctx context.Context, q db.Querier, ids []interface{}) ([]*model.Submission, error) {
	opts := repository.SelectOptions{
		Table:   submissionTable,
		Columns: strings.Split(submissionColumns, ", "),
		Sort:    []repository.SortField{{Field: "created_at"}},
	}
	opts.AddFilter("id", repository.OpIn, ids)
	query, args, err := opts.BuildSelect()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSubmissions(rows)
}

func scanSubmissions(rows db.Rows) ([]*model.Submission, error) {
	defer rows.Close()
	var out []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSubmission(row db.Row) (*model.Submission, error) {
	var (
		sub        model.Submission
		status     string
		result     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		workerID   sql.NullString
	)
	if err := row.Scan(
		&sub.ID, &sub.ProblemID, &sub.UserID, &sub.Language, &sub.SourceCode, &status, &result,
		&sub.CreatedAt, &startedAt, &finishedAt, &workerID, &sub.Attempts,
	); err != nil {
		return nil, err
	}
	sub.Status = model.SubmissionStatus(status)
	if result.Valid && result.String != "" {
		var res model.JudgeResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", sub.ID, err)
		}
		sub.Result = &res
	}
	if startedAt.Valid {
		t := startedAt.Time
		sub.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		sub.FinishedAt = &t
	}
	sub.WorkerID = workerID.String
	return &sub, nil
}

func submissionArgs(sub *model.Submission) ([]interface{}, error) {
	result, err := encodeResult(sub.Result)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		sub.ID, sub.ProblemID, sub.UserID, sub.Language, sub.SourceCode, string(sub.Status), result,
		sub.CreatedAt, nullTime(sub.StartedAt), nullTime(sub.FinishedAt), nullString(sub.WorkerID), sub.Attempts,
	}, nil
}

func encodeResult(res *model.JudgeResult) (interface{}, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result failed: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ SubmissionRepository = (*SQLSubmissionRepository)(nil)
