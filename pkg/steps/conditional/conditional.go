// Package conditional implements the branching step: a sandboxed boolean
// expression selects a then or else branch, whose steps run in-process.
package conditional

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomline/loomline/pkg/expr"
	"github.com/loomline/loomline/pkg/steps"
)

func NewConditionalFactory(runner steps.BranchRunner) *ConditionalFactory {
	return &ConditionalFactory{runner: runner}
}

type ConditionalFactory struct {
	runner steps.BranchRunner
}

func (*ConditionalFactory) Kind() string {
	return "conditional"
}

func (f *ConditionalFactory) Create(config map[string]any) (steps.Step, error) {
	if config == nil {
		config = map[string]any{}
	}

	condition, _ := config["condition"].(string)
	if condition == "" {
		return nil, fmt.Errorf("conditional step requires a condition")
	}

	// Surface syntax errors at creation time, not mid-branch.
	if _, err := expr.Parse(condition); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}

	thenSteps, err := steps.ParseSpecs(config["then"])
	if err != nil {
		return nil, fmt.Errorf("invalid then branch: %w", err)
	}

	elseSteps, err := steps.ParseSpecs(config["else"])
	if err != nil {
		return nil, fmt.Errorf("invalid else branch: %w", err)
	}

	return &ConditionalStep{
		runner:    f.runner,
		condition: condition,
		thenSteps: thenSteps,
		elseSteps: elseSteps,
	}, nil
}

type ConditionalStep struct {
	runner    steps.BranchRunner
	condition string
	thenSteps []steps.Spec
	elseSteps []steps.Spec
}

// Execute evaluates the condition against the read-only data projection and
// runs the selected branch. The report names the branch taken and carries
// the branch step results.
func (s *ConditionalStep) Execute(ctx context.Context, stepCtx steps.StepContext, logger *slog.Logger) (map[string]any, error) {
	matched, err := expr.EvaluateBool(s.condition, stepCtx.Data)
	if err != nil {
		return nil, fmt.Errorf("condition evaluation failed: %w", err)
	}

	branch := "else"
	branchSteps := s.elseSteps

	if matched {
		branch = "then"
		branchSteps = s.thenSteps
	}

	logger.Info("Condition evaluated", "condition", s.condition, "branch", branch)

	results, err := s.runner.Run(ctx, stepCtx, branchSteps, logger)
	if err != nil {
		return nil, fmt.Errorf("%s branch failed: %w", branch, err)
	}

	return map[string]any{
		"branch":  branch,
		"matched": matched,
		"results": results,
	}, nil
}
