package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultProvisionTimeout = 30 * time.Second

type provisionResponse struct {
	Handle string `json:"handle"`
}

// HTTPProvisioner provisions compute units through a runner-pool HTTP API.
type HTTPProvisioner struct {
	client *resty.Client
	logger *slog.Logger
}

// NewHTTPProvisioner builds a provisioner against the given runner-pool base
// URL. The pool token authenticates the engine to the pool; it is distinct
// from the execution-scoped tokens handed to units.
func NewHTTPProvisioner(baseURL, poolToken string, logger *slog.Logger) *HTTPProvisioner {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultProvisionTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	if poolToken != "" {
		client.SetAuthToken(poolToken)
	}

	return &HTTPProvisioner{
		client: client,
		logger: logger.With("module", "delegate"),
	}
}

func (p *HTTPProvisioner) Provision(ctx context.Context, handoff Handoff) (string, error) {
	var result provisionResponse

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(handoff).
		SetResult(&result).
		Post("/units")
	if err != nil {
		return "", fmt.Errorf("failed to provision compute unit: %w", err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("runner pool rejected provision request: %s", resp.Status())
	}

	if result.Handle == "" {
		return "", fmt.Errorf("runner pool returned no handle for execution %s", handoff.ExecutionID)
	}

	p.logger.InfoContext(ctx, "Compute unit provisioned",
		"execution_id", handoff.ExecutionID,
		"handle", result.Handle,
	)

	return result.Handle, nil
}

func (p *HTTPProvisioner) Teardown(ctx context.Context, handle string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		Delete("/units/" + handle)
	if err != nil {
		return fmt.Errorf("failed to tear down compute unit %s: %w", handle, err)
	}

	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("runner pool rejected teardown of %s: %s", handle, resp.Status())
	}

	return nil
}
