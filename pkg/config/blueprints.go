package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/types"
)

// LoadBlueprints parses the blueprint definition file: a YAML mapping of
// blueprint name to settings. Declaration order is preserved because it is
// the evaluation order within a tick.
func LoadBlueprints(path string) ([]*types.Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blueprints file: %w", err)
	}
	return ParseBlueprints(data)
}

// ParseBlueprints decodes blueprint definitions from YAML
func ParseBlueprints(data []byte) ([]*types.Blueprint, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("malformed blueprints YAML: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("blueprints file must be a mapping of name to settings")
	}

	var out []*types.Blueprint
	seen := map[string]bool{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name := doc.Content[i].Value
		if seen[name] {
			return nil, fmt.Errorf("blueprint %q defined twice", name)
		}
		seen[name] = true

		var bp types.Blueprint
		if err := doc.Content[i+1].Decode(&bp); err != nil {
			return nil, fmt.Errorf("blueprint %q: %w", name, err)
		}
		bp.Name = name

		if err := validateBlueprint(&bp); err != nil {
			return nil, err
		}
		out = append(out, &bp)
	}
	return out, nil
}

func validateBlueprint(bp *types.Blueprint) error {
	if bp.Role == "" {
		return fmt.Errorf("blueprint %q: role is required", bp.Name)
	}
	switch bp.SpawnMode {
	case types.SpawnTaskBound, types.SpawnTaskless, types.SpawnLightweight:
	case "":
		return fmt.Errorf("blueprint %q: spawn_mode is required", bp.Name)
	default:
		return fmt.Errorf("blueprint %q: unknown spawn_mode %q", bp.Name, bp.SpawnMode)
	}
	if bp.SpawnMode != types.SpawnLightweight && bp.MaxInstances <= 0 {
		return fmt.Errorf("blueprint %q: max_instances must be positive", bp.Name)
	}
	return nil
}
