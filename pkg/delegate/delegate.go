// Package delegate hands executions off to external compute units. The
// engine never runs delegate workloads itself; it provisions a unit, gives
// it a scoped credential and a callback address, and records the handle it
// gets back.
package delegate

import (
	"context"

	"github.com/loomline/loomline/pkg/models"
)

// Handoff is the package a newly provisioned compute unit receives. It
// carries everything the unit needs to run autonomously: the captured graph,
// the starting context, where to report and the credential to report with.
type Handoff struct {
	ExecutionID     string             `json:"execution_id"`
	Graph           *models.Definition `json:"graph"`
	InitialContext  map[string]any     `json:"initial_context,omitempty"`
	CallbackBaseURL string             `json:"callback_base_url"`
	Token           string             `json:"token"`
}

// Provisioner creates and destroys external compute units.
type Provisioner interface {
	// Provision starts a compute unit for the handoff and returns an opaque
	// handle for later teardown.
	Provision(ctx context.Context, handoff Handoff) (string, error)

	// Teardown destroys the compute unit behind the handle. Callers treat
	// failures as best-effort: log and move on.
	Teardown(ctx context.Context, handle string) error
}
