// Package runner executes step sequences for composite nodes.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomline/loomline/pkg/registry"
	"github.com/loomline/loomline/pkg/steps"
)

// Runner runs a branch of steps sequentially, feeding each step a data
// projection that includes the outputs of the steps before it. The first
// failure short-circuits the branch.
type Runner struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewRunner(reg *registry.Registry, logger *slog.Logger) *Runner {
	return &Runner{
		registry: reg,
		logger:   logger.With("module", "runner"),
	}
}

func (r *Runner) Run(
	ctx context.Context,
	stepCtx steps.StepContext,
	specs []steps.Spec,
	logger *slog.Logger,
) (map[string]any, error) {
	if logger == nil {
		logger = r.logger
	}

	data := make(map[string]any, len(stepCtx.Data))
	for k, v := range stepCtx.Data {
		data[k] = v
	}

	results := make(map[string]any, len(specs))

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		step, err := r.registry.Create(spec.Kind, spec.Config)
		if err != nil {
			return results, fmt.Errorf("step %s: %w", spec.ID, err)
		}

		branchCtx := stepCtx
		branchCtx.Data = data

		output, err := step.Execute(ctx, branchCtx, logger.With("step_id", spec.ID, "step_kind", spec.Kind))
		if err != nil {
			return results, fmt.Errorf("step %s failed: %w", spec.ID, err)
		}

		results[spec.ID] = output

		for k, v := range output {
			data[k] = v
		}
	}

	return results, nil
}
