// Package main provides the Loomline engine server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/loomline/loomline/pkg/cmd"
	"github.com/loomline/loomline/pkg/delegate"
	"github.com/loomline/loomline/pkg/eventbus"
	"github.com/loomline/loomline/pkg/events"
	"github.com/loomline/loomline/pkg/hub"
	"github.com/loomline/loomline/pkg/janitor"
	"github.com/loomline/loomline/pkg/ledger"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/loomline/loomline/pkg/planning"
	"github.com/loomline/loomline/pkg/runner"
	"github.com/loomline/loomline/pkg/secrets"
	"github.com/loomline/loomline/pkg/services"
	"github.com/loomline/loomline/pkg/steps"
	"github.com/loomline/loomline/pkg/steps/question"
	"github.com/loomline/loomline/pkg/web"
)

// Config carries the engine settings that come from flags.
type Config struct {
	CallbackBaseURL string
	EncryptionKey   string
	JanitorSchedule string
	TokenTTL        time.Duration

	// Token handed to delegates working on automation-originated runs so
	// they can push to source control. Optional.
	SourceControlToken string
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate
	config      Config

	ledger      *ledger.Ledger
	hub         *hub.Hub
	janitor     *janitor.Janitor
	executions  *services.Execution
	definitions *services.Definition
	planning    *planning.Service
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	tokens delegate.TokenStore,
	provisioner delegate.Provisioner,
	cfg Config,
) (*API, error) {
	a := &API{
		logger:      logger,
		persistence: p,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		config:      cfg,
	}

	// The hub needs the ledger for snapshots and the ledger broadcasts
	// through the hub, so the hub gets a late-bound snapshot closure.
	a.hub = hub.NewHub(func(ctx context.Context, executionID string) (*events.Snapshot, error) {
		return a.ledger.Snapshot(ctx, executionID)
	}, hub.DefaultHeartbeatInterval, logger)

	broadcaster := ledger.MultiBroadcaster{a.hub, eventbus.NewBridge(eventBus, logger)}
	a.ledger = ledger.NewLedger(p.ExecutionRepository(), broadcaster, logger)

	waiter := question.NewWaiter()
	notifier := question.NotifierFunc(func(ctx context.Context, stepCtx steps.StepContext, q models.Question, timeoutAt time.Time) {
		if _, err := a.ledger.AwaitInput(ctx, stepCtx.ExecutionID, stepCtx.NodeID, "question"); err != nil {
			logger.WarnContext(ctx, "Failed to suspend execution for question",
				"execution_id", stepCtx.ExecutionID,
				"error", err,
			)
		}

		sessionID := stepCtx.SessionID
		if sessionID == "" {
			sessionID = stepCtx.ExecutionID
		}

		broadcaster.Broadcast(stepCtx.ExecutionID, events.QuestionAsked{
			BaseEvent: events.NewBaseEvent(events.QuestionAskedEvent, stepCtx.ExecutionID),
			SessionID: sessionID,
			Question:  q,
			TimeoutAt: timeoutAt,
		})
	})

	stepRegistry, _ := cmd.NewStepRegistry(logger, waiter, notifier, p.PendingInputRepository())
	driver := runner.NewDriver(a.ledger, stepRegistry, logger)

	secretService, err := secrets.NewService(p.SecretRepository(), cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	executionConfig := services.ExecutionConfig{
		Ledger:          a.ledger,
		Definitions:     p.DefinitionRepository(),
		Provisioner:     provisioner,
		Tokens:          tokens,
		Secrets:         secretService,
		Waiter:          waiter,
		Logger:          logger,
		CallbackBaseURL: cfg.CallbackBaseURL,
		TokenTTL:        cfg.TokenTTL,
		Driver:          driver,
	}
	if cfg.SourceControlToken != "" {
		executionConfig.SourceControlTokens = func(context.Context, string) (string, error) {
			return cfg.SourceControlToken, nil
		}
	}

	a.executions = services.NewExecution(executionConfig)
	a.definitions = services.NewDefinition(p.DefinitionRepository(), logger)
	a.planning = planning.NewService(p.SessionRepository(), broadcaster, logger)
	a.janitor = janitor.New(p.PendingInputRepository(), a.ledger, provisioner, logger)

	return a, nil
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.executions, a.definitions, a.planning, a.hub, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Loomline Engine")
	})

	d := app.Group("/definitions")
	d.Get("/", handlers.GetDefinitions)
	d.Post("/", handlers.CreateDefinition)
	d.Post("/validate", handlers.ValidateDefinition)
	d.Get("/:id", handlers.GetDefinition)
	d.Patch("/:id", handlers.UpdateDefinition)
	d.Delete("/:id", handlers.DeleteDefinition)

	e := app.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/stream", handlers.StreamExecution)
	e.Post("/:id/pause", handlers.PauseExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	// Delegate-facing endpoints, gated on the per-execution credential.
	e.Get("/:id/secrets", handlers.ExecutionSecrets, handlers.RequireExecutionToken)

	cb := e.Group("/:id/callbacks", handlers.RequireExecutionToken)
	cb.Post("/started", handlers.NodeStartedWebhook)
	cb.Post("/completed", handlers.NodeCompletedWebhook)
	cb.Post("/failed", handlers.NodeFailedWebhook)
	cb.Post("/log", handlers.LogWebhook)

	s := app.Group("/sessions")
	s.Post("/", handlers.CreatePlanningSession)
	s.Get("/:id", handlers.GetPlanningSession)
	s.Post("/:id/answers", handlers.AnswerQuestion)
	s.Post("/:id/batch-answers", handlers.SubmitBatchAnswers)
	s.Post("/:id/advance", handlers.AdvancePlanningPhase)
	s.Post("/:id/complete", handlers.CompletePlanningSession)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// Start runs the janitor and serves until the listener fails.
func (a *API) Start(ctx context.Context, port int) error {
	if err := a.janitor.Start(ctx, a.config.JanitorSchedule); err != nil {
		return err
	}
	defer a.janitor.Stop()
	defer a.hub.Close()

	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
