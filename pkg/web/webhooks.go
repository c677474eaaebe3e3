package web

import (
	"strings"

	"github.com/gofiber/fiber/v3"
)

// RequireExecutionToken guards callback routes: the bearer token must have
// been issued for the execution id in the path. Invalid and missing tokens
// get the same response as tokens for other executions.
func (h *APIHandlers) RequireExecutionToken(c fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return unauthorized(c)
	}

	if err := h.executionService.ValidateCallbackToken(c.Context(), c.Params("id"), token); err != nil {
		return unauthorized(c)
	}

	return c.Next()
}

func bearerToken(c fiber.Ctx) string {
	header := c.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}

	return strings.TrimPrefix(header, "Bearer ")
}

// NodeStartedWebhook handles the delegate's node-started callback.
func (h *APIHandlers) NodeStartedWebhook(c fiber.Ctx) error {
	var req NodeStartedCallback
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid callback body: "+err.Error())
	}

	execution, err := h.executionService.HandleNodeStarted(c.Context(), c.Params("id"), req.NodeID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"status": execution.Status, "current_node": execution.CurrentNode})
}

// NodeCompletedWebhook handles the delegate's node-completed callback. The
// response tells the delegate where the cursor moved so it can continue or
// stop.
func (h *APIHandlers) NodeCompletedWebhook(c fiber.Ctx) error {
	var req NodeCompletedCallback
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid callback body: "+err.Error())
	}

	execution, err := h.executionService.HandleNodeCompleted(
		c.Context(),
		c.Params("id"),
		req.NodeID,
		req.ContextPatch,
		req.NextNode,
		req.Output,
	)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"status": execution.Status, "current_node": execution.CurrentNode})
}

// NodeFailedWebhook handles the delegate's node-failed callback.
func (h *APIHandlers) NodeFailedWebhook(c fiber.Ctx) error {
	var req NodeFailedCallback
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid callback body: "+err.Error())
	}

	execution, err := h.executionService.HandleNodeFailed(c.Context(), c.Params("id"), req.NodeID, req.Error)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"status": execution.Status})
}

// LogWebhook handles the delegate's observational log callback.
func (h *APIHandlers) LogWebhook(c fiber.Ctx) error {
	var req LogCallback
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid callback body: "+err.Error())
	}

	level := req.Level
	if level == "" {
		level = "info"
	}

	if _, err := h.executionService.HandleLog(c.Context(), c.Params("id"), level, req.Message, req.NodeID, req.Metadata); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// ExecutionSecrets resolves the definition's secrets for an authorized
// delegate. The route sits behind RequireExecutionToken.
func (h *APIHandlers) ExecutionSecrets(c fiber.Ctx) error {
	resolved, err := h.executionService.ResolveSecrets(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"secrets": resolved})
}
