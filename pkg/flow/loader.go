package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/types"
)

const cacheSize = 32

// Loader parses flow files and caches validated flows by path.
// A cached entry is invalidated when the file's mtime changes.
type Loader struct {
	cache *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	flow    *Flow
	modTime time.Time
}

// NewLoader creates a flow loader
func NewLoader() *Loader {
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Loader{cache: cache}
}

// Load parses the flow file at path, serving from cache when unchanged
func (l *Loader) Load(path string) (*Flow, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat flow file: %w", err)
	}

	if entry, ok := l.cache.Get(abs); ok && entry.modTime.Equal(info.ModTime()) {
		return entry.flow, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}

	flow, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", path, err)
	}

	l.cache.Add(abs, cacheEntry{flow: flow, modTime: info.ModTime()})
	return flow, nil
}

// yaml document shape; transitions are decoded through yaml.Node so their
// declaration order survives (a Go map would shuffle them)
type flowDoc struct {
	Name           string    `yaml:"name"`
	Description    string    `yaml:"description"`
	InitialState   string    `yaml:"initial_state"`
	TerminalStates []string  `yaml:"terminal_states"`
	Transitions    yaml.Node `yaml:"transitions"`
	ChildFlow      *flowDoc  `yaml:"child_flow"`
}

type transitionDoc struct {
	Agent      string         `yaml:"agent"`
	Runs       []string       `yaml:"runs"`
	Conditions []conditionDoc `yaml:"conditions"`
}

type conditionDoc struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Script string `yaml:"script"`
	Agent  string `yaml:"agent"`
	OnFail string `yaml:"on_fail"`
}

// Parse decodes a flow definition from YAML
func Parse(data []byte) (*Flow, error) {
	var doc flowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed YAML: %w", err)
	}
	return buildFlow(&doc)
}

func buildFlow(doc *flowDoc) (*Flow, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("flow is missing a name")
	}

	f := &Flow{
		Name:         doc.Name,
		Description:  doc.Description,
		InitialState: types.TaskState(doc.InitialState),
	}
	if f.InitialState == "" {
		f.InitialState = types.TaskStateIncoming
	}
	for _, s := range doc.TerminalStates {
		f.TerminalStates = append(f.TerminalStates, types.TaskState(s))
	}
	if len(f.TerminalStates) == 0 {
		f.TerminalStates = []types.TaskState{types.TaskStateDone, types.TaskStateFailed}
	}

	if doc.Transitions.Kind != 0 {
		if doc.Transitions.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("transitions must be a mapping of \"<from> -> <to>\" keys")
		}
		// MappingNode content alternates key, value
		for i := 0; i+1 < len(doc.Transitions.Content); i += 2 {
			keyNode := doc.Transitions.Content[i]
			valNode := doc.Transitions.Content[i+1]

			from, to, err := parseTransitionKey(keyNode.Value)
			if err != nil {
				return nil, err
			}

			var td transitionDoc
			if valNode.Kind != 0 && valNode.Tag != "!!null" {
				if err := valNode.Decode(&td); err != nil {
					return nil, fmt.Errorf("transition %q: %w", keyNode.Value, err)
				}
			}

			t := &Transition{
				From:  from,
				To:    to,
				Agent: td.Agent,
				Runs:  td.Runs,
			}
			for _, cd := range td.Conditions {
				t.Conditions = append(t.Conditions, Condition{
					Name:   cd.Name,
					Type:   ConditionType(cd.Type),
					Script: cd.Script,
					Agent:  cd.Agent,
					OnFail: types.TaskState(cd.OnFail),
				})
			}
			f.Transitions = append(f.Transitions, t)
		}
	}

	if doc.ChildFlow != nil {
		child, err := buildFlow(doc.ChildFlow)
		if err != nil {
			return nil, fmt.Errorf("child_flow: %w", err)
		}
		f.ChildFlow = child
	}

	return f, nil
}
