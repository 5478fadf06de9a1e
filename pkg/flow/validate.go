package flow

import (
	"fmt"

	"github.com/droverhq/drover/pkg/types"
)

// ValidateOptions provides the registries a flow's references resolve against
type ValidateOptions struct {
	// KnownStep reports whether a step name is registered
	KnownStep func(name string) bool

	// KnownAgent reports whether a blueprint name is configured
	KnownAgent func(name string) bool
}

// Validate checks the flow against the rules a broken configuration must not
// survive: unresolved step, agent, or on_fail references and unreachable
// states all fail the load. A validation failure is fatal to the tick — do
// not run with a broken flow.
func Validate(f *Flow, opts ValidateOptions) error {
	if len(f.Transitions) == 0 {
		return fmt.Errorf("flow %s declares no transitions", f.Name)
	}

	states := map[types.TaskState]bool{}
	for _, s := range f.States() {
		states[s] = true
	}

	for _, t := range f.Transitions {
		if t.Agent != "" && opts.KnownAgent != nil && !opts.KnownAgent(t.Agent) {
			return fmt.Errorf("flow %s: transition %q references unknown agent %q", f.Name, t.Key(), t.Agent)
		}
		for _, step := range t.Runs {
			if opts.KnownStep != nil && !opts.KnownStep(step) {
				return fmt.Errorf("flow %s: transition %q references unregistered step %q", f.Name, t.Key(), step)
			}
		}
		for _, c := range t.Conditions {
			switch c.Type {
			case ConditionScript, ConditionAgent, ConditionManual:
			default:
				return fmt.Errorf("flow %s: transition %q condition %q has invalid type %q", f.Name, t.Key(), c.Name, c.Type)
			}
			if c.Type == ConditionScript && c.Script == "" {
				return fmt.Errorf("flow %s: transition %q script condition %q has no script", f.Name, t.Key(), c.Name)
			}
			if c.Type == ConditionAgent {
				if c.Agent == "" {
					return fmt.Errorf("flow %s: transition %q agent condition %q names no agent", f.Name, t.Key(), c.Name)
				}
				if opts.KnownAgent != nil && !opts.KnownAgent(c.Agent) {
					return fmt.Errorf("flow %s: transition %q condition %q references unknown agent %q", f.Name, t.Key(), c.Name, c.Agent)
				}
			}
			if c.OnFail != "" && !states[c.OnFail] {
				return fmt.Errorf("flow %s: transition %q condition %q routes on_fail to undeclared state %q", f.Name, t.Key(), c.Name, c.OnFail)
			}
		}
	}

	for _, s := range f.TerminalStates {
		if !states[s] {
			return fmt.Errorf("flow %s: terminal state %q is not part of any transition", f.Name, s)
		}
	}

	if err := checkReachability(f); err != nil {
		return err
	}

	if f.ChildFlow != nil {
		if err := Validate(f.ChildFlow, opts); err != nil {
			return fmt.Errorf("child_flow: %w", err)
		}
	}

	return nil
}

// checkReachability walks the transition graph from the initial state.
// Rejection cycles make the graph cyclic on purpose; this is a reachability
// walk, not a DAG check. on_fail edges count as edges.
func checkReachability(f *Flow) error {
	reachable := map[types.TaskState]bool{f.InitialState: true}

	for changed := true; changed; {
		changed = false
		for _, t := range f.Transitions {
			if !reachable[t.From] {
				continue
			}
			if !reachable[t.To] {
				reachable[t.To] = true
				changed = true
			}
			for _, c := range t.Conditions {
				if c.OnFail != "" && !reachable[c.OnFail] {
					reachable[c.OnFail] = true
					changed = true
				}
			}
		}
	}

	for _, t := range f.Transitions {
		if !reachable[t.From] {
			return fmt.Errorf("flow %s: transition %q is unreachable from initial state %q", f.Name, t.Key(), f.InitialState)
		}
	}
	return nil
}
