package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// State is the scheduler-state document persisted between ticks
type State struct {
	Jobs      map[string]JobState `json:"jobs"`
	PollCache *types.PollSummary  `json:"poll_cache,omitempty"`
}

// JobState tracks one job's bookkeeping
type JobState struct {
	LastRun time.Time `json:"last_run"`
}

// StateFile wraps the scheduler-state JSON file. The tick lock serializes
// access across ticks; within a tick the file is read once and written once.
type StateFile struct {
	path  string
	state State
}

// LoadState reads the scheduler state, starting fresh when the file does not
// exist or has been corrupted (losing last-run times only makes jobs run
// early, which every job tolerates)
func LoadState(path string) *StateFile {
	sf := &StateFile{path: path, state: State{Jobs: map[string]JobState{}}}

	data, err := os.ReadFile(path)
	if err != nil {
		return sf
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return sf
	}
	if st.Jobs == nil {
		st.Jobs = map[string]JobState{}
	}
	sf.state = st
	return sf
}

// LastRun returns when the job last ran, zero if never
func (sf *StateFile) LastRun(job string) time.Time {
	return sf.state.Jobs[job].LastRun
}

// SetLastRun records a job run; Save makes it durable
func (sf *StateFile) SetLastRun(job string, t time.Time) {
	sf.state.Jobs[job] = JobState{LastRun: t}
}

// PollCache returns the cached poll summary from the previous tick, or nil
func (sf *StateFile) PollCache() *types.PollSummary {
	return sf.state.PollCache
}

// SetPollCache stores the tick's poll summary for the next tick's fallback
func (sf *StateFile) SetPollCache(p *types.PollSummary) {
	sf.state.PollCache = p
}

// Save writes the state atomically (temp file + rename)
func (sf *StateFile) Save() error {
	data, err := json.MarshalIndent(sf.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scheduler state: %w", err)
	}

	dir := filepath.Dir(sf.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), sf.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
