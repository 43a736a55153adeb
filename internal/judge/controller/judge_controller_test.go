package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sandboxjudge/internal/judge/model"
	"sandboxjudge/internal/judge/repository"
	"sandboxjudge/internal/judge/sandbox"
	"sandboxjudge/internal/judge/sandbox/engine"
	"sandboxjudge/internal/judge/sandbox/profile"
	"sandboxjudge/internal/judge/sandbox/sandboxtest"
	appErr "sandboxjudge/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type envelope struct {
	Code appErr.ErrorCode `json:"code"`
	Data json.RawMessage  `json:"data"`
}

func newRegistry(t *testing.T) *sandbox.Registry {
	t.Helper()
	lang := profile.Defaults()[0]
	lang.Workers = 2
	rt := sandboxtest.New(func(context.Context, *sandboxtest.Container, []string, time.Duration) (engine.ExecResult, error) {
		return engine.ExecResult{}, nil
	})
	reg, err := sandbox.NewRegistry(rt, []profile.LanguageSpec{lang}, sandbox.RegistryOptions{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

type fakeDispatcher struct{}

func (fakeDispatcher) ID() string         { return "judge-h-1" }
func (fakeDispatcher) InFlight() []string { return []string{"s9"} }

func newRouter(t *testing.T, reg *sandbox.Registry, repo SubmissionReader) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "controller_test_total", Help: "test"})
	counter.Inc()
	registry := prometheus.NewRegistry()
	registry.MustRegister(counter)
	RegisterRoutes(r, NewJudgeController(reg, repo, fakeDispatcher{}), registry)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestPoolsUnavailableUntilInitialized(t *testing.T) {
	reg := newRegistry(t)
	r := newRouter(t, reg, repository.NewMemorySubmissionRepository(3))

	if w := get(r, "/api/v1/judge/health/pools"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", w.Code)
	}

	if err := reg.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	w := get(r, "/api/v1/judge/health/pools")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after init, got %d", w.Code)
	}
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	var view poolsView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s := view.Pools["python"]; s.Total != 2 || s.Idle != 2 {
		t.Fatalf("unexpected python stats %+v", s)
	}
	if view.DispatcherID != "judge-h-1" || len(view.InFlight) != 1 {
		t.Fatalf("unexpected dispatcher view %+v", view)
	}
}

func TestWorkersTruncatesContainerID(t *testing.T) {
	reg := newRegistry(t)
	if err := reg.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	r := newRouter(t, reg, repository.NewMemorySubmissionRepository(3))

	w := get(r, "/api/v1/judge/health/workers")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	var views []workerView
	if err := json.Unmarshal(env.Data, &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].WorkerID != "python-0" {
		t.Fatalf("unexpected workers %+v", views)
	}
	for _, v := range views {
		if len(v.ContainerID) != 12 || !v.Running || v.LastRunAt != nil {
			t.Fatalf("unexpected worker view %+v", v)
		}
	}
}

func TestGetSubmission(t *testing.T) {
	repo := repository.NewMemorySubmissionRepository(3)
	sub := &model.Submission{ID: "s1", ProblemID: "p1", UserID: "u1", Language: "python", SourceCode: "secret()", Status: model.StatusPending}
	if err := repo.Add(context.Background(), sub); err != nil {
		t.Fatalf("add: %v", err)
	}
	r := newRouter(t, newRegistry(t), repo)

	w := get(r, "/api/v1/judge/submissions/s1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"PENDING"`) {
		t.Fatalf("expected status in body, got %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "secret()") {
		t.Fatalf("source code must not be exposed")
	}

	w = get(r, "/api/v1/judge/submissions/missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(t, newRegistry(t), repository.NewMemorySubmissionRepository(3))
	w := get(r, "/api/v1/judge/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "controller_test_total 1") {
		t.Fatalf("expected registered metric in exposition, got %s", w.Body.String())
	}
}
