// Package steps defines the protocol for in-process step handlers. Steps
// are the small, engine-local units that conditional branches and question
// prompts execute without a delegate round-trip.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Spec is one step as declared in a node's configuration.
type Spec struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// StepContext is the read-only projection a step sees. Steps never write to
// the execution ledger directly; their outputs flow back through the caller.
type StepContext struct {
	ExecutionID string
	SessionID   string
	NodeID      string
	Data        map[string]any
}

// Step executes one unit of engine-local work.
type Step interface {
	Execute(ctx context.Context, stepCtx StepContext, logger *slog.Logger) (map[string]any, error)
}

// Factory creates steps of one kind from raw configuration.
type Factory interface {
	Kind() string
	Create(config map[string]any) (Step, error)
}

// BranchRunner executes a sequence of steps. Composite steps depend on this
// interface rather than the runner package to keep the dependency direction
// one-way.
type BranchRunner interface {
	Run(ctx context.Context, stepCtx StepContext, specs []Spec, logger *slog.Logger) (map[string]any, error)
}

// ParseSpecs decodes a step list out of a node config value (a YAML/JSON
// array of {id, kind, config} objects).
func ParseSpecs(raw any) ([]Spec, error) {
	if raw == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("step list is not serializable: %w", err)
	}

	var specs []Spec
	if err := json.Unmarshal(encoded, &specs); err != nil {
		return nil, fmt.Errorf("invalid step list: %w", err)
	}

	for i, spec := range specs {
		if spec.ID == "" || spec.Kind == "" {
			return nil, fmt.Errorf("step %d is missing id or kind", i)
		}
	}

	return specs, nil
}
