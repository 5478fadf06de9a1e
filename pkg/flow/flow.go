package flow

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/types"
)

// Flow is a named state machine over a task's lifecycle, parsed from YAML
// and immutable after load
type Flow struct {
	Name           string
	Description    string
	InitialState   types.TaskState
	TerminalStates []types.TaskState
	Transitions    []*Transition
	ChildFlow      *Flow
}

// Transition is one edge in the flow, identified by (From, To)
type Transition struct {
	From       types.TaskState
	To         types.TaskState
	Agent      string
	Runs       []string
	Conditions []Condition
}

// Condition gates a transition. Kinds are script, agent, and manual.
type Condition struct {
	Name   string
	Type   ConditionType
	Script string          // script conditions: command to run, exit 0 = pass
	Agent  string          // agent conditions: blueprint whose worker decides
	OnFail types.TaskState // routing target on failure; empty means the default
}

// ConditionType is the kind of a transition condition
type ConditionType string

const (
	ConditionScript ConditionType = "script"
	ConditionAgent  ConditionType = "agent"
	ConditionManual ConditionType = "manual"
)

// Key returns the canonical "<from> -> <to>" identifier of a transition
func (t *Transition) Key() string {
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// Find returns the transition (from, to), or nil
func (f *Flow) Find(from, to types.TaskState) *Transition {
	for _, t := range f.Transitions {
		if t.From == from && t.To == to {
			return t
		}
	}
	return nil
}

// From returns all transitions out of a state, in declaration order
func (f *Flow) From(state types.TaskState) []*Transition {
	var out []*Transition
	for _, t := range f.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// States returns every state the flow declares (initial, terminal, and any
// state appearing as a transition endpoint)
func (f *Flow) States() []types.TaskState {
	seen := map[types.TaskState]bool{}
	var out []types.TaskState
	add := func(s types.TaskState) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(f.InitialState)
	for _, t := range f.Transitions {
		add(t.From)
		add(t.To)
	}
	for _, s := range f.TerminalStates {
		add(s)
	}
	return out
}

// HasState reports whether the flow declares the state
func (f *Flow) HasState(state types.TaskState) bool {
	for _, s := range f.States() {
		if s == state {
			return true
		}
	}
	return false
}

// Terminal reports whether the flow marks the state terminal
func (f *Flow) Terminal(state types.TaskState) bool {
	for _, s := range f.TerminalStates {
		if s == state {
			return true
		}
	}
	return false
}

// parseTransitionKey splits a "<from> -> <to>" key
func parseTransitionKey(key string) (types.TaskState, types.TaskState, error) {
	parts := strings.Split(key, "->")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed transition key %q, want \"<from> -> <to>\"", key)
	}
	from := types.TaskState(strings.TrimSpace(parts[0]))
	to := types.TaskState(strings.TrimSpace(parts[1]))
	if from == "" || to == "" {
		return "", "", fmt.Errorf("malformed transition key %q: empty state", key)
	}
	return from, to, nil
}
