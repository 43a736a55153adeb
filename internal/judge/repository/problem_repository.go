package repository

import (
	"context"
	"encoding/json"
	"time"

	"sandboxjudge/internal/common/cache"
	"sandboxjudge/internal/common/db"
	"sandboxjudge/internal/judge/model"
	appErr "sandboxjudge/pkg/errors"
)

const (
	defaultProblemCacheTTL      = 30 * time.Minute
	defaultProblemCacheEmptyTTL = 5 * time.Minute
	problemKeyPrefix            = "judge:problem:"
	testcaseSetKeyPrefix        = "judge:testcases:"
)

// ProblemRepository reads the judge-facing fields of a problem.
type ProblemRepository interface {
	FindByID(ctx context.Context, id string) (*model.Problem, error)
}

// TestCaseRepository reads the cases of a test case set ordered by sort order.
type TestCaseRepository interface {
	FindBySetID(ctx context.Context, testcaseSetID string) ([]model.TestCase, error)
}

// SQLProblemRepository reads problems and test cases, optionally through a
// cache-aside layer. A nil cache reads the database directly.
type SQLProblemRepository struct {
	db       db.Database
	cache    cache.BasicOps
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.BasicOps) *SQLProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultProblemCacheTTL, defaultProblemCacheEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.BasicOps, ttl, emptyTTL time.Duration) *SQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemCacheEmptyTTL
	}
	return &SQLProblemRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

func (r *SQLProblemRepository) FindByID(ctx context.Context, id string) (*model.Problem, error) {
	var (
		problem *model.Problem
		err     error
	)
	if r.cache != nil {
		problem, err = cache.GetWithCached[*model.Problem](
			ctx,
			r.cache,
			problemKeyPrefix+id,
			r.ttl,
			r.emptyTTL,
			func(p *model.Problem) bool { return p == nil },
			jsonCodec[*model.Problem](),
			func(ctx context.Context) (*model.Problem, error) { return r.findProblem(ctx, id) },
		)
	} else {
		problem, err = r.findProblem(ctx, id)
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "find problem")
	}
	if problem == nil {
		return nil, appErr.Newf(appErr.ProblemNotFound, "problem %s not found", id)
	}
	return problem, nil
}

func (r *SQLProblemRepository) FindBySetID(ctx context.Context, testcaseSetID string) ([]model.TestCase, error) {
	var (
		cases []model.TestCase
		err   error
	)
	if r.cache != nil {
		cases, err = cache.GetWithCached[[]model.TestCase](
			ctx,
			r.cache,
			testcaseSetKeyPrefix+testcaseSetID,
			r.ttl,
			r.emptyTTL,
			func(c []model.TestCase) bool { return len(c) == 0 },
			jsonCodec[[]model.TestCase](),
			func(ctx context.Context) ([]model.TestCase, error) { return r.findTestCases(ctx, testcaseSetID) },
		)
	} else {
		cases, err = r.findTestCases(ctx, testcaseSetID)
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "find test cases")
	}
	return cases, nil
}

// findProblem returns nil without error when the row is missing so the miss
// can be cached.
func (r *SQLProblemRepository) findProblem(ctx context.Context, id string) (*model.Problem, error) {
	query := "SELECT id, title, time_limit_ms, memory_limit_mb, testcase_set_id FROM problems WHERE id = ?"
	var p model.Problem
	err := r.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Title, &p.TimeLimitMs, &p.MemoryLimitMb, &p.TestcaseSetID)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *SQLProblemRepository) findTestCases(ctx context.Context, testcaseSetID string) ([]model.TestCase, error) {
	query := "SELECT id, testcase_set_id, input, expected_output, visibility, sort_order FROM testcases WHERE testcase_set_id = ? ORDER BY sort_order ASC, id ASC"
	rows, err := r.db.Query(ctx, query, testcaseSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cases []model.TestCase
	for rows.Next() {
		var (
			tc         model.TestCase
			visibility string
		)
		if err := rows.Scan(&tc.ID, &tc.TestcaseSetID, &tc.Input, &tc.ExpectedOutput, &visibility, &tc.Order); err != nil {
			return nil, err
		}
		tc.Visibility = model.Visibility(visibility)
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

func jsonCodec[T any]() cache.Codec[T] {
	return cache.Codec[T]{
		Marshal: func(v T) (string, error) {
			data, err := json.Marshal(v)
			return string(data), err
		},
		Unmarshal: func(s string) (T, error) {
			var v T
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
	}
}

var (
	_ ProblemRepository  = (*SQLProblemRepository)(nil)
	_ TestCaseRepository = (*SQLProblemRepository)(nil)
)
