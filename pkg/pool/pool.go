package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

// Pool tracks live worker instances through one PID file per instance,
// named "<blueprint>-<pid>". Liveness is the existence of a process
// matching the PID; the scheduler owns these files exclusively.
type Pool struct {
	dir string
}

// NewPool creates a pool rooted at dir
func NewPool(dir string) (*Pool, error) {
	if dir == "" {
		return nil, fmt.Errorf("pool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pool directory: %w", err)
	}
	return &Pool{dir: dir}, nil
}

// Add records a spawned instance
func (p *Pool) Add(inst *types.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	path := p.path(inst.Blueprint, inst.PID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// Remove deletes an instance's PID file. Idempotent.
func (p *Pool) Remove(inst *types.Instance) error {
	err := os.Remove(p.path(inst.Blueprint, inst.PID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// All returns every tracked instance, live or not
func (p *Pool) All() ([]*types.Instance, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}

	var out []*types.Instance
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		inst, err := p.read(e.Name())
		if err != nil {
			logger := log.WithComponent("pool")
			logger.Warn().Str("file", e.Name()).Err(err).Msg("skipping malformed pid file")
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Live returns the instances of a blueprint whose process still exists.
// An empty blueprint matches all.
func (p *Pool) Live(blueprint string) ([]*types.Instance, error) {
	all, err := p.All()
	if err != nil {
		return nil, err
	}

	var out []*types.Instance
	for _, inst := range all {
		if blueprint != "" && inst.Blueprint != blueprint {
			continue
		}
		if Alive(inst.PID) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// LiveCount returns the number of live instances for a blueprint
func (p *Pool) LiveCount(blueprint string) (int, error) {
	live, err := p.Live(blueprint)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// ConditionActive reports whether a live decision worker already exists for
// the given task and condition. Dead instances do not count: their decision
// is read (or found broken) by the result handler before their file goes.
func (p *Pool) ConditionActive(taskID, conditionName string) (bool, error) {
	all, err := p.All()
	if err != nil {
		return false, err
	}
	for _, inst := range all {
		if inst.TaskID == taskID && inst.Condition == conditionName && Alive(inst.PID) {
			return true, nil
		}
	}
	return false, nil
}

// AnyLive reports whether any worker is running
func (p *Pool) AnyLive() (bool, error) {
	live, err := p.Live("")
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// Reap returns tracked instances whose process no longer exists. The PID
// files stay until Remove so a failed handling pass is retried next tick.
func (p *Pool) Reap() ([]*types.Instance, error) {
	all, err := p.All()
	if err != nil {
		return nil, err
	}

	var finished []*types.Instance
	for _, inst := range all {
		if !Alive(inst.PID) {
			finished = append(finished, inst)
		}
	}
	return finished, nil
}

// Alive reports whether a process with the given PID exists.
// Signal 0 probes existence without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else
	return err == syscall.EPERM
}

func (p *Pool) path(blueprint string, pid int) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%d", blueprint, pid))
}

func (p *Pool) read(name string) (*types.Instance, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		return nil, err
	}

	var inst types.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("malformed pid file: %w", err)
	}

	// The filename is authoritative for blueprint and PID; blueprint names
	// may themselves contain hyphens, so split on the last one
	if i := strings.LastIndex(name, "-"); i > 0 {
		inst.Blueprint = name[:i]
		if pid, err := strconv.Atoi(name[i+1:]); err == nil {
			inst.PID = pid
		}
	}
	return &inst, nil
}
