package recipe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// APIVersion is the only recipe schema version this build understands.
	APIVersion = "spica.dev/v1"
	// Kind is the fixed document kind.
	Kind = "DifferentiationRecipe"
)

// Recipe is a validated differentiation document.
type Recipe struct {
	APIVersion string   `yaml:"apiVersion" json:"apiVersion"`
	Kind       string   `yaml:"kind" json:"kind"`
	Metadata   Metadata `yaml:"metadata" json:"metadata"`
	Spec       Spec     `yaml:"spec" json:"spec"`
}

// Metadata identifies a recipe by name and version.
type Metadata struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// Spec carries the differentiation parameters. All fields are mandatory.
type Spec struct {
	TargetCapability string         `yaml:"target_capability" json:"target_capability"`
	Specialization   string         `yaml:"specialization" json:"specialization"`
	PromptConfig     map[string]any `yaml:"prompt_config" json:"prompt_config"`
	Pipeline         PipelineSpec   `yaml:"pipeline" json:"pipeline"`
	Safety           map[string]any `yaml:"safety" json:"safety"`
	Resources        map[string]any `yaml:"resources" json:"resources"`
}

// PipelineSpec selects one of the known pipeline stages.
type PipelineSpec struct {
	Stage   string         `yaml:"stage" json:"stage"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// ValidationError reports a structurally invalid recipe document. Validation
// is all-or-nothing: the first failing check wins and no Recipe is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recipe: %s: %s", e.Field, e.Reason)
}

var requiredTopLevel = []string{"apiVersion", "kind", "metadata", "spec"}
var requiredMetadata = []string{"name", "version"}
var requiredSpec = []string{"target_capability", "specialization", "prompt_config", "pipeline", "safety", "resources"}

// Load reads and validates a recipe document from path.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	return Parse(data)
}

// Parse validates recipe bytes. Checks run in a fixed order so callers see
// the outermost structural problem first.
func Parse(data []byte) (*Recipe, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Field: "document", Reason: fmt.Sprintf("not valid YAML: %v", err)}
	}
	if doc == nil {
		return nil, &ValidationError{Field: "document", Reason: "empty document"}
	}

	for _, key := range requiredTopLevel {
		if _, ok := doc[key]; !ok {
			return nil, &ValidationError{Field: key, Reason: "required key missing"}
		}
	}

	if v, _ := doc["apiVersion"].(string); v != APIVersion {
		return nil, &ValidationError{
			Field:  "apiVersion",
			Reason: fmt.Sprintf("got %q, expected %q", doc["apiVersion"], APIVersion),
		}
	}
	if v, _ := doc["kind"].(string); v != Kind {
		return nil, &ValidationError{
			Field:  "kind",
			Reason: fmt.Sprintf("got %q, expected %q", doc["kind"], Kind),
		}
	}

	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: "metadata", Reason: "must be a mapping"}
	}
	for _, key := range requiredMetadata {
		if _, ok := meta[key]; !ok {
			return nil, &ValidationError{Field: "metadata." + key, Reason: "required key missing"}
		}
	}

	spec, ok := doc["spec"].(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: "spec", Reason: "must be a mapping"}
	}
	for _, key := range requiredSpec {
		if _, ok := spec[key]; !ok {
			return nil, &ValidationError{Field: "spec." + key, Reason: "required key missing"}
		}
	}

	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, &ValidationError{Field: "document", Reason: fmt.Sprintf("decode: %v", err)}
	}

	// Stage names are a closed set; reject unknown ones before any state
	// transition gets driven by this document.
	if _, err := StageFor(r.Spec.Pipeline.Stage); err != nil {
		return nil, &ValidationError{Field: "spec.pipeline.stage", Reason: err.Error()}
	}

	return &r, nil
}
