package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/droverhq/drover/pkg/flow"
	"github.com/droverhq/drover/pkg/types"
)

// FlowSet resolves flow names to validated definitions from the flows
// directory. A flow named "default" lives in <dir>/default.yaml.
type FlowSet struct {
	dir    string
	loader *flow.Loader
	opts   flow.ValidateOptions
}

// NewFlowSet creates a flow set validating against the given registries
func NewFlowSet(dir string, opts flow.ValidateOptions) *FlowSet {
	return &FlowSet{dir: dir, loader: flow.NewLoader(), opts: opts}
}

// Get loads and validates the named flow
func (fs *FlowSet) Get(name string) (*flow.Flow, error) {
	if name == "" {
		name = "default"
	}
	// Flow names come from task records; keep them from escaping the dir
	path := filepath.Join(fs.dir, filepath.Base(name)+".yaml")

	f, err := fs.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if err := flow.Validate(f, fs.opts); err != nil {
		return nil, err
	}
	return f, nil
}

// Names lists the flows available in the directory, sorted
func (fs *FlowSet) Names() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// ValidateAll loads every flow in the directory and checks the blueprints'
// claim_from states against the flows that declare them. A broken flow or a
// blueprint claiming from a state no flow declares is a configuration error,
// fatal to the tick.
func (fs *FlowSet) ValidateAll(blueprints []*types.Blueprint) error {
	names, err := fs.Names()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no flows found in %s", fs.dir)
	}

	declared := map[types.TaskState]bool{}
	for _, name := range names {
		f, err := fs.Get(name)
		if err != nil {
			return err
		}
		for _, s := range f.States() {
			declared[s] = true
		}
	}

	for _, bp := range blueprints {
		if !declared[bp.ClaimState()] {
			return fmt.Errorf("blueprint %q claims from state %q, which no flow declares", bp.Name, bp.ClaimState())
		}
	}
	return nil
}
