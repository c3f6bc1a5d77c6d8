package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/spica/internal/log"
)

// Stage is one differentiation pipeline step applied between the
// DIFFERENTIATING and SPECIALIZED transitions. Implementations form a closed
// set; recipes select by name.
type Stage interface {
	Name() string
	Apply(ctx context.Context, instanceDir string, r *Recipe) error
}

const (
	// StageNoop leaves the instance untouched. Default extension point.
	StageNoop = "noop"
	// StagePromptInstall materializes spec.prompt_config into the instance.
	StagePromptInstall = "prompt_install"
)

// StageFor resolves a stage name. An empty name means noop.
func StageFor(name string) (Stage, error) {
	switch name {
	case "", StageNoop:
		return noopStage{}, nil
	case StagePromptInstall:
		return promptInstallStage{}, nil
	default:
		return nil, fmt.Errorf("unknown pipeline stage %q", name)
	}
}

type noopStage struct{}

func (noopStage) Name() string { return StageNoop }

func (noopStage) Apply(ctx context.Context, instanceDir string, r *Recipe) error {
	return ctx.Err()
}

// promptInstallStage writes the recipe's prompt_config into the instance
// directory so the specialized cell can pick it up on start.
type promptInstallStage struct{}

func (promptInstallStage) Name() string { return StagePromptInstall }

func (promptInstallStage) Apply(ctx context.Context, instanceDir string, r *Recipe) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := yaml.Marshal(r.Spec.PromptConfig)
	if err != nil {
		return fmt.Errorf("marshal prompt config: %w", err)
	}

	path := filepath.Join(instanceDir, "prompt_config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write prompt config: %w", err)
	}
	log.WithCapability(r.Spec.TargetCapability).Debug("prompt config installed", "path", path)
	return nil
}
