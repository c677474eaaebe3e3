package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomline/loomline/pkg/ledger"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/registry"
	"github.com/loomline/loomline/pkg/steps"
)

// Driver executes a captured graph inside the control plane, driving the
// ledger through the same transitions an external delegate reports via
// callbacks. Only graphs whose every node has an in-process handler qualify;
// anything with a task node still needs a provisioned compute unit.
type Driver struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	logger   *slog.Logger
}

func NewDriver(l *ledger.Ledger, reg *registry.Registry, logger *slog.Logger) *Driver {
	return &Driver{
		ledger:   l,
		registry: reg,
		logger:   logger.With("module", "driver"),
	}
}

// CanRun reports whether every node of the definition can run in-process.
func (d *Driver) CanRun(def *models.Definition) bool {
	if len(def.Nodes) == 0 {
		return false
	}

	for _, n := range def.Nodes {
		if n.Kind == models.NodeKindTask {
			return false
		}
	}

	return true
}

// Run walks the execution's graph from its current cursor until the run
// reaches a terminal state. A fresh execution starts at the entry node; a
// resumed one picks up wherever the cursor was parked. It blocks while steps
// wait for input, so callers run it on its own goroutine.
func (d *Driver) Run(ctx context.Context, executionID string) error {
	execution, err := d.ledger.Get(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() || execution.CurrentNode == models.CursorNone {
		return nil
	}

	node, ok := execution.Graph.FindNode(execution.CurrentNode)
	if !ok {
		_, _ = d.ledger.NodeFailed(ctx, executionID, "", "cursor at unknown node "+execution.CurrentNode)

		return fmt.Errorf("execution %s: cursor at unknown node %s", executionID, execution.CurrentNode)
	}

	for node != nil {
		current, err := d.ledger.NodeStarted(ctx, executionID, node.ID)
		if err != nil {
			return err
		}

		output, err := d.runNode(ctx, executionID, node, current.Context)
		if err != nil {
			if _, ferr := d.ledger.NodeFailed(ctx, executionID, node.ID, err.Error()); ferr != nil {
				d.logger.ErrorContext(ctx, "Failed to record node failure",
					"execution_id", executionID,
					"node_id", node.ID,
					"error", ferr,
				)
			}

			return fmt.Errorf("node %s: %w", node.ID, err)
		}

		// A question step can resume before the control call that
		// delivered the answer submits it to the ledger. When the run
		// is still parked, fold the answer in here so the cursor can
		// move on.
		if latest, gerr := d.ledger.Get(ctx, executionID); gerr == nil && latest.Status == models.ExecutionStatusWaitingUser {
			answers := map[string]any{}
			if qid, ok := output["question_id"].(string); ok {
				if v, ok := output["answer"]; ok {
					answers[qid] = v
				}
			}

			if _, serr := d.ledger.SubmitAnswers(ctx, executionID, answers); serr != nil && !errors.Is(serr, models.ErrInvalidTransition) {
				return serr
			}
		}

		// A conditional reports the branch it took; the branch selects
		// the outgoing port.
		port := ""
		if branch, ok := output["branch"].(string); ok {
			port = branch
		}

		next := current.Graph.NextNode(node.ID, port)

		updated, err := d.ledger.NodeCompleted(ctx, executionID, node.ID, map[string]any{node.ID: output}, next, output)
		if err != nil {
			return err
		}

		if updated.Status.IsTerminal() || updated.CurrentNode == models.CursorNone {
			return nil
		}

		node, ok = updated.Graph.FindNode(updated.CurrentNode)
		if !ok {
			return fmt.Errorf("execution %s: cursor at unknown node %s", executionID, updated.CurrentNode)
		}
	}

	return nil
}

func (d *Driver) runNode(ctx context.Context, executionID string, node *models.Node, data map[string]any) (map[string]any, error) {
	step, err := d.registry.Create(string(node.Kind), node.Config)
	if err != nil {
		return nil, err
	}

	stepCtx := steps.StepContext{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Data:        data,
	}

	return step.Execute(ctx, stepCtx, d.logger.With("execution_id", executionID, "node_id", node.ID))
}
