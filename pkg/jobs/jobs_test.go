package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

type fakeLivePool struct{ live bool }

func (f *fakeLivePool) AnyLive() (bool, error) { return f.live, nil }

func newRunner(t *testing.T, r *Registry, live bool) *Runner {
	t.Helper()
	state := LoadState(filepath.Join(t.TempDir(), "state.json"))
	return NewRunner(r, state, &fakeLivePool{live: live})
}

func tick(now time.Time) *TickContext {
	return &TickContext{Now: now, Poll: &types.PollSummary{}}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&Job{Name: "beat", Run: func(context.Context, *TickContext) error { return nil }})
	assert.Panics(t, func() {
		r.Register(&Job{Name: "beat", Run: func(context.Context, *TickContext) error { return nil }})
	})
}

func TestRegisterBadSchedulePanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.Register(&Job{Name: "nightly", Schedule: "not cron", Run: func(context.Context, *TickContext) error { return nil }})
	})
}

func TestIntervalSpacing(t *testing.T) {
	var runs int
	r := NewRegistry()
	r.Register(&Job{
		Name:     "spaced",
		Interval: time.Minute,
		Run:      func(context.Context, *TickContext) error { runs++; return nil },
	})
	runner := newRunner(t, r, false)

	now := time.Now()
	runner.RunDue(context.Background(), tick(now))
	assert.Equal(t, 1, runs, "first run is always due")

	runner.RunDue(context.Background(), tick(now.Add(10*time.Second)))
	assert.Equal(t, 1, runs, "not due again within the interval")

	runner.RunDue(context.Background(), tick(now.Add(61*time.Second)))
	assert.Equal(t, 2, runs)
}

func TestZeroIntervalRunsEveryTick(t *testing.T) {
	var runs int
	r := NewRegistry()
	r.Register(&Job{Name: "everytick", Run: func(context.Context, *TickContext) error { runs++; return nil }})
	runner := newRunner(t, r, false)

	now := time.Now()
	runner.RunDue(context.Background(), tick(now))
	runner.RunDue(context.Background(), tick(now.Add(time.Second)))
	assert.Equal(t, 2, runs)
}

func TestCronSchedule(t *testing.T) {
	var runs int
	r := NewRegistry()
	r.Register(&Job{
		Name:     "hourly",
		Schedule: "0 * * * *",
		Run:      func(context.Context, *TickContext) error { runs++; return nil },
	})
	runner := newRunner(t, r, false)

	base := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)
	runner.RunDue(context.Background(), tick(base))
	assert.Equal(t, 1, runs)

	// The next cron boundary after 10:00:30 is 11:00
	runner.RunDue(context.Background(), tick(base.Add(30*time.Minute)))
	assert.Equal(t, 1, runs)

	runner.RunDue(context.Background(), tick(base.Add(time.Hour)))
	assert.Equal(t, 2, runs)
}

func TestRemoteJobSkippedWithoutPoll(t *testing.T) {
	var runs int
	r := NewRegistry()
	r.Register(&Job{Name: "remote", Group: GroupRemote, Run: func(context.Context, *TickContext) error { runs++; return nil }})
	runner := newRunner(t, r, false)

	runner.RunDue(context.Background(), &TickContext{Now: time.Now()})
	assert.Zero(t, runs)

	runner.RunDue(context.Background(), tick(time.Now()))
	assert.Equal(t, 1, runs)
}

func TestNoAgentsRunningCondition(t *testing.T) {
	var runs int
	r := NewRegistry()
	r.Register(&Job{
		Name:       "sweep",
		Conditions: []Condition{CondNoAgentsRunning},
		Run:        func(context.Context, *TickContext) error { runs++; return nil },
	})

	busy := newRunner(t, r, true)
	busy.RunDue(context.Background(), tick(time.Now()))
	assert.Zero(t, runs)

	idle := newRunner(t, r, false)
	idle.RunDue(context.Background(), tick(time.Now()))
	assert.Equal(t, 1, runs)
}

func TestFaultIsolation(t *testing.T) {
	var after int
	r := NewRegistry()
	r.Register(&Job{Name: "panics", Run: func(context.Context, *TickContext) error { panic("boom") }})
	r.Register(&Job{Name: "errors", Run: func(context.Context, *TickContext) error { return errors.New("nope") }})
	r.Register(&Job{Name: "after", Run: func(context.Context, *TickContext) error { after++; return nil }})
	runner := newRunner(t, r, false)

	assert.NotPanics(t, func() {
		runner.RunDue(context.Background(), tick(time.Now()))
	})
	assert.Equal(t, 1, after, "a broken job must not stop the jobs after it")
}

func TestFailedJobStillRecordsLastRun(t *testing.T) {
	var runs int
	r := NewRegistry()
	r.Register(&Job{
		Name:     "flaky",
		Interval: time.Minute,
		Run:      func(context.Context, *TickContext) error { runs++; return errors.New("nope") },
	})
	runner := newRunner(t, r, false)

	now := time.Now()
	runner.RunDue(context.Background(), tick(now))
	runner.RunDue(context.Background(), tick(now.Add(time.Second)))
	assert.Equal(t, 1, runs, "a failing job must not retry until due again")
}

func TestRunOrderIsRegistrationOrder(t *testing.T) {
	var order []string
	r := NewRegistry()
	for _, name := range []string{"first", "second", "third"} {
		name := name
		r.Register(&Job{Name: name, Run: func(context.Context, *TickContext) error {
			order = append(order, name)
			return nil
		}})
	}
	runner := newRunner(t, r, false)
	runner.RunDue(context.Background(), tick(time.Now()))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestStatePersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Now().UTC().Truncate(time.Second)

	sf := LoadState(path)
	sf.SetLastRun("beat", now)
	sf.SetPollCache(&types.PollSummary{QueueCounts: map[string]int{"incoming": 3}})
	require.NoError(t, sf.Save())

	reloaded := LoadState(path)
	assert.True(t, reloaded.LastRun("beat").Equal(now))
	require.NotNil(t, reloaded.PollCache())
	assert.Equal(t, 3, reloaded.PollCache().QueueCounts["incoming"])
}

func TestStateCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	sf := LoadState(path)
	assert.True(t, sf.LastRun("anything").IsZero())
}
