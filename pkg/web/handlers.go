// Package web provides HTTP handlers for the engine's control API, delegate
// callbacks and live event streams.
package web

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/loomline/loomline/pkg/compiler"
	"github.com/loomline/loomline/pkg/hub"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/loomline/loomline/pkg/planning"
	"github.com/loomline/loomline/pkg/services"
)

type APIHandlers struct {
	executionService  *services.Execution
	definitionService *services.Definition
	planningService   *planning.Service
	hub               *hub.Hub
	persistence       persistence.Persistence
	validator         *validator.Validate
}

func NewAPIHandlers(
	executionService *services.Execution,
	definitionService *services.Definition,
	planningService *planning.Service,
	h *hub.Hub,
	p persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		executionService:  executionService,
		definitionService: definitionService,
		planningService:   planningService,
		hub:               h,
		persistence:       p,
		validator:         validate,
	}
}

func (h *APIHandlers) bindAndValidate(c fiber.Ctx, out any) error {
	if err := c.Bind().JSON(out); err != nil {
		return err
	}

	return h.validator.Struct(out)
}

// --- definitions ---

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	definitions, err := h.definitionService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"definitions": definitions})
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var req CreateDefinitionRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	def, warnings, err := h.definitionService.Create(c.Context(), req.Text)
	if err != nil {
		if errors.Is(err, compiler.ErrInvalidDefinition) {
			return badRequest(c, err.Error())
		}

		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(DefinitionResponse{Definition: def, Warnings: warnings})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	def, err := h.definitionService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	var req CreateDefinitionRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	def, warnings, err := h.definitionService.Update(c.Context(), c.Params("id"), req.Text)
	if err != nil {
		if errors.Is(err, compiler.ErrInvalidDefinition) {
			return badRequest(c, err.Error())
		}

		return handleServiceError(c, err)
	}

	return c.JSON(DefinitionResponse{Definition: def, Warnings: warnings})
}

func (h *APIHandlers) DeleteDefinition(c fiber.Ctx) error {
	if err := h.definitionService.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ValidateDefinition(c fiber.Ctx) error {
	var req ValidateDefinitionRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	warnings, err := h.definitionService.Validate(c.Context(), req.Text)
	if err != nil {
		return c.JSON(fiber.Map{"valid": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"valid": true, "warnings": warnings})
}

// --- executions ---

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	execution, err := h.executionService.Start(c.Context(), req.DefinitionID, req.InitialContext)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Resume(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest

	// The body is optional for cancellation.
	_ = c.Bind().JSON(&req)

	execution, err := h.executionService.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// --- answers ---

func (h *APIHandlers) AnswerQuestion(c fiber.Ctx) error {
	var req AnswerRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.executionService.Answer(c.Context(), c.Params("id"), req.QuestionID, req.Value, req.Skip); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"accepted": true})
}

// --- planning sessions ---

func (h *APIHandlers) CreatePlanningSession(c fiber.Ctx) error {
	var req CreateSessionRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	session, err := h.planningService.CreateSession(c.Context(), req.Phase, req.Batches)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(http.StatusCreated).JSON(session)
}

func (h *APIHandlers) AdvancePlanningPhase(c fiber.Ctx) error {
	var req AdvancePhaseRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	session, err := h.planningService.AdvancePhase(c.Context(), c.Params("id"), req.Phase, req.Batches)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(session)
}

func (h *APIHandlers) CompletePlanningSession(c fiber.Ctx) error {
	session, err := h.planningService.Complete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(session)
}

func (h *APIHandlers) GetPlanningSession(c fiber.Ctx) error {
	session, err := h.planningService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(session)
}

func (h *APIHandlers) SubmitBatchAnswers(c fiber.Ctx) error {
	var req BatchAnswersRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	answers := make(map[string]models.Answer, len(req.Answers))
	for questionID, answer := range req.Answers {
		answers[questionID] = models.Answer{
			QuestionID: questionID,
			Value:      answer.Value,
			Skipped:    answer.Skip,
		}
	}

	session, err := h.planningService.SubmitBatchAnswers(c.Context(), c.Params("id"), answers)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(session)
}

// --- health ---

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}
