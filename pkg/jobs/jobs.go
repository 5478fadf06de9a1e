package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Group classifies what a job needs
type Group string

const (
	// GroupLocal jobs need no remote data
	GroupLocal Group = "local"
	// GroupRemote jobs consume the per-tick poll summary
	GroupRemote Group = "remote"
)

// Condition names a predicate checked before a job runs
type Condition string

const (
	// CondNoAgentsRunning gates jobs that must not race live workers
	CondNoAgentsRunning Condition = "no_agents_running"
)

// TickContext is handed to every job run
type TickContext struct {
	Poll *types.PollSummary
	Now  time.Time
}

// Func is the body of a job
type Func func(ctx context.Context, tc *TickContext) error

// Job is one declarative periodic job. Interval zero means every tick; a
// non-empty Schedule (standard cron syntax) overrides Interval.
type Job struct {
	Name       string
	Interval   time.Duration
	Schedule   string
	Group      Group
	Conditions []Condition
	Run        Func

	schedule cron.Schedule
}

// Registry holds jobs in registration order; that order is the run order
// within a tick
type Registry struct {
	jobs []*Job
}

// NewRegistry creates an empty job registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job. Duplicate names and malformed cron schedules panic:
// both are programming errors, caught at process start.
func (r *Registry) Register(job *Job) {
	for _, j := range r.jobs {
		if j.Name == job.Name {
			panic(fmt.Sprintf("job %q registered twice", job.Name))
		}
	}
	if job.Schedule != "" {
		sched, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			panic(fmt.Sprintf("job %q has malformed schedule %q: %v", job.Name, job.Schedule, err))
		}
		job.schedule = sched
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered jobs in run order
func (r *Registry) Jobs() []*Job {
	return r.jobs
}

// Pool is the liveness check backing the no_agents_running condition
type Pool interface {
	AnyLive() (bool, error)
}

// Runner executes due jobs each tick with per-job fault isolation
type Runner struct {
	registry *Registry
	state    *StateFile
	pool     Pool
}

// NewRunner creates a job runner persisting last-run times through state
func NewRunner(registry *Registry, state *StateFile, pool Pool) *Runner {
	return &Runner{registry: registry, state: state, pool: pool}
}

// RunDue iterates the registry in order, running each enabled, due job whose
// conditions pass. A failing or panicking job is logged and counted; it never
// poisons the tick or the jobs after it.
func (r *Runner) RunDue(ctx context.Context, tc *TickContext) {
	logger := log.WithComponent("jobs")

	for _, job := range r.registry.Jobs() {
		if !r.due(job, tc.Now) {
			continue
		}
		if job.Group == GroupRemote && tc.Poll == nil {
			logger.Debug().Str("job", job.Name).Msg("skipping remote job, no poll summary this tick")
			continue
		}
		ok, err := r.conditionsPass(job)
		if err != nil {
			logger.Warn().Str("job", job.Name).Err(err).Msg("job condition check failed")
			continue
		}
		if !ok {
			logger.Debug().Str("job", job.Name).Msg("job conditions not met")
			continue
		}

		r.runOne(ctx, job, tc)
	}

	if err := r.state.Save(); err != nil {
		logger.Error().Err(err).Msg("failed to persist scheduler state")
	}
}

// runOne wraps a single job in panic and error isolation
func (r *Runner) runOne(ctx context.Context, job *Job, tc *TickContext) {
	logger := log.WithComponent("jobs")
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Str("job", job.Name).Interface("panic", rec).Msg("job panicked")
			metrics.JobRuns.WithLabelValues(job.Name, "panic").Inc()
		}
	}()

	start := time.Now()
	err := job.Run(ctx, tc)
	r.state.SetLastRun(job.Name, tc.Now)

	if err != nil {
		logger.Warn().Str("job", job.Name).Err(err).Dur("took", time.Since(start)).Msg("job failed")
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
		return
	}
	logger.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job completed")
	metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
}

// due reports whether the job should run now
func (r *Runner) due(job *Job, now time.Time) bool {
	last := r.state.LastRun(job.Name)
	if last.IsZero() {
		return true
	}
	if job.schedule != nil {
		return !job.schedule.Next(last).After(now)
	}
	if job.Interval <= 0 {
		return true // every tick
	}
	return now.Sub(last) >= job.Interval
}

func (r *Runner) conditionsPass(job *Job) (bool, error) {
	for _, c := range job.Conditions {
		switch c {
		case CondNoAgentsRunning:
			live, err := r.pool.AnyLive()
			if err != nil {
				return false, err
			}
			if live {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unknown job condition %q", c)
		}
	}
	return true, nil
}
