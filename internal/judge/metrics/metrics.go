// Package metrics exposes Prometheus instruments for the judge worker.
package metrics

import (
	"sort"

	"sandboxjudge/internal/judge/pool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JudgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxjudge_judge_runs_total",
			Help: "Judge runs by language and verdict",
		},
		[]string{"language", "verdict"},
	)

	JudgeRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxjudge_judge_run_duration_ms",
			Help:    "Wall time of one judge run including staging, in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language"},
	)

	SandboxErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxjudge_sandbox_errors_total",
			Help: "Unexpected sandbox failures by language",
		},
		[]string{"language"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxjudge_submissions_total",
			Help: "Executed submissions by final status",
		},
		[]string{"status"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxjudge_dispatcher_inflight",
			Help: "Submissions currently executing in this process",
		},
	)

	ClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxjudge_dispatcher_claimed_total",
			Help: "Submissions claimed by this dispatcher",
		},
	)

	ClaimErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxjudge_dispatcher_claim_errors_total",
			Help: "Failed claim attempts",
		},
	)

	StaleClaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxjudge_stale_claims_total",
			Help: "Results dropped because the sweep had requeued the submission",
		},
	)

	RecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxjudge_recovery_requeued_total",
			Help: "Submissions reset to PENDING by the recovery sweep",
		},
	)
)

var poolDesc = prometheus.NewDesc(
	"sandboxjudge_pool_workers",
	"Sandbox workers per language and state",
	[]string{"language", "state"}, nil,
)

// PoolCollector reports pool counters at scrape time.
type PoolCollector struct {
	stats func() map[string]pool.Stats
}

func NewPoolCollector(stats func() map[string]pool.Stats) *PoolCollector {
	return &PoolCollector{stats: stats}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolDesc
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	all := c.stats()
	langs := make([]string, 0, len(all))
	for lang := range all {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		s := all[lang]
		ch <- prometheus.MustNewConstMetric(poolDesc, prometheus.GaugeValue, float64(s.Idle), lang, "idle")
		ch <- prometheus.MustNewConstMetric(poolDesc, prometheus.GaugeValue, float64(s.Busy), lang, "busy")
		ch <- prometheus.MustNewConstMetric(poolDesc, prometheus.GaugeValue, float64(s.Waiting), lang, "waiting")
	}
}
