package controller

import (
	"context"
	"sort"
	"time"

	"sandboxjudge/internal/judge/model"
	"sandboxjudge/internal/judge/pool"
	"sandboxjudge/internal/judge/sandbox"
	"sandboxjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const containerIDPrefix = 12

// PoolReporter exposes sandbox pool state.
type PoolReporter interface {
	IsInitialized() bool
	Stats() map[string]pool.Stats
	AllWorkers() []*sandbox.Worker
}

// SubmissionReader loads one submission.
type SubmissionReader interface {
	FindByID(ctx context.Context, id string) (*model.Submission, error)
}

// InFlightReporter lists submissions currently executing.
type InFlightReporter interface {
	ID() string
	InFlight() []string
}

// JudgeController serves health and submission status requests.
type JudgeController struct {
	pools       PoolReporter
	submissions SubmissionReader
	dispatcher  InFlightReporter
}

// NewJudgeController creates a new controller. dispatcher may be nil.
func NewJudgeController(pools PoolReporter, submissions SubmissionReader, dispatcher InFlightReporter) *JudgeController {
	return &JudgeController{pools: pools, submissions: submissions, dispatcher: dispatcher}
}

// RegisterRoutes mounts the judge routes under /api/v1/judge.
func RegisterRoutes(router gin.IRouter, h *JudgeController, gatherer prometheus.Gatherer) {
	api := router.Group("/api/v1/judge")
	api.GET("/health/pools", h.Pools)
	api.GET("/health/workers", h.Workers)
	api.GET("/submissions/:id", h.GetSubmission)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	api.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

type poolsView struct {
	Pools        map[string]pool.Stats `json:"pools"`
	DispatcherID string                `json:"dispatcherId,omitempty"`
	InFlight     []string              `json:"inFlight,omitempty"`
}

// Pools reports per-language pool stats, or 503 while pools are booting.
func (h *JudgeController) Pools(c *gin.Context) {
	if !h.pools.IsInitialized() {
		response.ServiceUnavailable(c, "sandbox pools are not initialized")
		return
	}
	view := poolsView{Pools: h.pools.Stats()}
	if h.dispatcher != nil {
		view.DispatcherID = h.dispatcher.ID()
		view.InFlight = h.dispatcher.InFlight()
	}
	response.Success(c, view)
}

type workerView struct {
	WorkerID            string          `json:"workerId"`
	Language            string          `json:"language"`
	ContainerID         string          `json:"containerId"`
	Running             bool            `json:"running"`
	LastOutcome         sandbox.Outcome `json:"lastOutcome,omitempty"`
	LastRunAt           *time.Time      `json:"lastRunAt,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	TotalFailures       int             `json:"totalFailures"`
	NeedsRestart        bool            `json:"needsRestart"`
}

// Workers reports raw per-worker health fields.
func (h *JudgeController) Workers(c *gin.Context) {
	workers := h.pools.AllWorkers()
	views := make([]workerView, 0, len(workers))
	for _, w := range workers {
		hl := w.Health()
		id := hl.ContainerID
		if len(id) > containerIDPrefix {
			id = id[:containerIDPrefix]
		}
		v := workerView{
			WorkerID:            hl.WorkerID,
			Language:            hl.Language,
			ContainerID:         id,
			Running:             hl.Running,
			LastOutcome:         hl.LastOutcome,
			ConsecutiveFailures: hl.ConsecutiveFailures,
			TotalFailures:       hl.TotalFailures,
			NeedsRestart:        hl.NeedsRestart,
		}
		if !hl.LastRunAt.IsZero() {
			at := hl.LastRunAt
			v.LastRunAt = &at
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].WorkerID < views[j].WorkerID })
	response.Success(c, views)
}

// GetSubmission returns status and result for one submission. Source code
// is never returned.
func (h *JudgeController) GetSubmission(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	sub, err := h.submissions.FindByID(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{
		"id":         sub.ID,
		"problemId":  sub.ProblemID,
		"language":   sub.Language,
		"status":     sub.Status,
		"result":     sub.Result,
		"createdAt":  sub.CreatedAt,
		"startedAt":  sub.StartedAt,
		"finishedAt": sub.FinishedAt,
		"workerId":   sub.WorkerID,
		"attempts":   sub.Attempts,
	})
}
