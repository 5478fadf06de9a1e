package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tick metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_ticks_total",
			Help: "Total number of completed scheduler ticks",
		},
	)

	TicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick still held the lock",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_tick_duration_seconds",
			Help:    "Wall-clock duration of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Claim and spawn metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_claims_total",
			Help: "Claim attempts by blueprint and result",
		},
		[]string{"blueprint", "result"},
	)

	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_spawns_total",
			Help: "Workers spawned by blueprint and spawn mode",
		},
		[]string{"blueprint", "mode"},
	)

	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_guard_rejections_total",
			Help: "Guard-chain stops by guard name",
		},
		[]string{"guard"},
	)

	WorkersLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_live",
			Help: "Live worker instances by blueprint",
		},
		[]string{"blueprint"},
	)

	// Flow metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_transitions_total",
			Help: "Flow transitions executed by from and to state",
		},
		[]string{"from", "to"},
	)

	StepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_step_failures_total",
			Help: "Step execution failures by step name",
		},
		[]string{"step"},
	)

	ResultsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_results_handled_total",
			Help: "Worker results handled by outcome",
		},
		[]string{"outcome"},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_failed_total",
			Help: "Tasks moved to failed by the orchestrator",
		},
	)

	// Job metrics
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_job_runs_total",
			Help: "Periodic job executions by job and status",
		},
		[]string{"job", "status"},
	)

	// Store metrics
	StoreRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_store_requests_total",
			Help: "Store API requests by operation and result",
		},
		[]string{"operation", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TicksSkipped)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(SpawnsTotal)
	prometheus.MustRegister(GuardRejections)
	prometheus.MustRegister(WorkersLive)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(StepFailures)
	prometheus.MustRegister(ResultsHandled)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(JobRuns)
	prometheus.MustRegister(StoreRequests)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures durations for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
