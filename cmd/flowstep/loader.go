package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowstep-io/flowstep/internal/fetch"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// checkProviders verifies at start-up that every fetch in the spec names a
// registered provider, recursing into inline child specs. Catching a missing
// provider here beats failing the first run that reaches the step.
func checkProviders(spec *schema.WorkflowSpec, providers *fetch.Registry) error {
	for i := range spec.Steps {
		step := &spec.Steps[i]
		for name, fs := range step.Fetch {
			if !providers.Has(fs.Provider) {
				return fmt.Errorf("step %q fetch %q: no provider registered under %q",
					step.Name, name, fs.Provider)
			}
		}
		if step.Spec != nil {
			if err := checkProviders(step.Spec, providers); err != nil {
				return fmt.Errorf("step %q: %w", step.Name, err)
			}
		}
	}
	return nil
}

// loadSpecs reads every workflow spec file in dir (non-recursive). YAML specs
// are converted to JSON before decoding so the step kind defaults apply the
// same way for both formats. A missing directory yields no specs.
func loadSpecs(dir string) ([]*schema.WorkflowSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spec dir %s: %w", dir, err)
	}

	var specs []*schema.WorkflowSpec
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		spec, err := loadSpecFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// loadSpecFile parses one workflow spec file.
func loadSpecFile(path string) (*schema.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse spec %s: %w", path, err)
		}
	}

	var spec schema.WorkflowSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &spec, nil
}

// yamlToJSON re-encodes a YAML document as JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML converts map[any]any trees from the YAML decoder into
// map[string]any trees json.Marshal accepts.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeYAML(inner)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeYAML(inner)
		}
		return out
	default:
		return v
	}
}
