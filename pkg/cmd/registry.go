package cmd

import (
	"log/slog"

	"github.com/loomline/loomline/pkg/persistence"
	"github.com/loomline/loomline/pkg/registry"
	"github.com/loomline/loomline/pkg/runner"
	"github.com/loomline/loomline/pkg/steps/conditional"
	"github.com/loomline/loomline/pkg/steps/question"
)

// NewStepRegistry wires the built-in step kinds: the conditional step gets a
// branch runner backed by the same registry, the question step gets the
// shared waiter and the pending-input store.
func NewStepRegistry(
	logger *slog.Logger,
	waiter *question.Waiter,
	notifier question.Notifier,
	pending persistence.PendingInputRepository,
) (*registry.Registry, *runner.Runner) {
	reg := registry.NewRegistry(logger)
	run := runner.NewRunner(reg, logger)

	reg.Register(conditional.NewConditionalFactory(run))
	reg.Register(question.NewQuestionFactory(waiter, notifier, pending))

	return reg, run
}
