package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomline/loomline/pkg/delegate"
	"github.com/loomline/loomline/pkg/ledger"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/loomline/loomline/pkg/secrets"
	"github.com/loomline/loomline/pkg/steps/question"
)

// SourceControlTokenFunc resolves a short-lived source-control credential
// for definitions that declare an automation origin in their metadata. May
// be nil when the deployment has no source-control integration.
type SourceControlTokenFunc func(ctx context.Context, origin string) (string, error)

// InProcessDriver runs graphs made entirely of in-process node kinds
// (conditionals, questions) inside the control plane, so no compute unit is
// provisioned for them.
type InProcessDriver interface {
	CanRun(def *models.Definition) bool
	Run(ctx context.Context, executionID string) error
}

// Execution drives the full run lifecycle: ledger transitions, delegate
// provisioning and teardown, credential scoping and secret resolution.
type Execution struct {
	ledger      *ledger.Ledger
	definitions persistence.DefinitionRepository
	provisioner delegate.Provisioner
	tokens      delegate.TokenStore
	secrets     *secrets.Service
	waiter      *question.Waiter
	driver      InProcessDriver
	logger      *slog.Logger

	callbackBaseURL  string
	tokenTTL         time.Duration
	sourceControlFor SourceControlTokenFunc
}

type ExecutionConfig struct {
	Ledger          *ledger.Ledger
	Definitions     persistence.DefinitionRepository
	Provisioner     delegate.Provisioner
	Tokens          delegate.TokenStore
	Secrets         *secrets.Service
	Waiter          *question.Waiter
	Logger          *slog.Logger
	CallbackBaseURL string
	TokenTTL        time.Duration

	// Optional in-process driver for delegate-free graphs.
	Driver InProcessDriver

	// Optional source-control token resolver for automation origins.
	SourceControlTokens SourceControlTokenFunc
}

func NewExecution(cfg ExecutionConfig) *Execution {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = delegate.DefaultTokenTTL
	}

	return &Execution{
		ledger:           cfg.Ledger,
		definitions:      cfg.Definitions,
		provisioner:      cfg.Provisioner,
		tokens:           cfg.Tokens,
		secrets:          cfg.Secrets,
		waiter:           cfg.Waiter,
		driver:           cfg.Driver,
		logger:           cfg.Logger.With("module", "execution-service"),
		callbackBaseURL:  cfg.CallbackBaseURL,
		tokenTTL:         ttl,
		sourceControlFor: cfg.SourceControlTokens,
	}
}

func (s *Execution) callbackURL(executionID string) string {
	return fmt.Sprintf("%s/executions/%s/callbacks", s.callbackBaseURL, executionID)
}

// Start creates the execution record, provisions a compute unit and hands it
// the captured graph with a scoped credential. A provisioning failure fails
// the freshly created run; no half-started execution stays running.
func (s *Execution) Start(ctx context.Context, definitionID string, initialContext map[string]any) (*models.Execution, error) {
	def, err := s.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	execution, err := s.ledger.Start(ctx, def, initialContext)
	if err != nil {
		return nil, err
	}

	if s.driver != nil && s.driver.CanRun(def) {
		s.dispatchDriver(ctx, execution.ID)

		return execution, nil
	}

	token, err := s.tokens.Issue(ctx, execution.ID, s.tokenTTL)
	if err != nil {
		_, _ = s.ledger.Cancel(ctx, execution.ID, "credential issuance failed")

		return nil, fmt.Errorf("failed to issue delegate credential: %w", err)
	}

	handle, err := s.provisioner.Provision(ctx, delegate.Handoff{
		ExecutionID:     execution.ID,
		Graph:           execution.Graph,
		InitialContext:  execution.Context,
		CallbackBaseURL: s.callbackURL(execution.ID),
		Token:           token,
	})
	if err != nil {
		_ = s.tokens.Revoke(ctx, execution.ID)
		_, _ = s.ledger.Cancel(ctx, execution.ID, "delegate provisioning failed")

		return nil, fmt.Errorf("failed to provision delegate: %w", err)
	}

	return s.ledger.SetDelegateHandle(ctx, execution.ID, handle)
}

// Get loads an execution.
func (s *Execution) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	return s.ledger.Get(ctx, executionID)
}

// ValidateCallbackToken checks a delegate credential against the execution
// id in the callback path.
func (s *Execution) ValidateCallbackToken(ctx context.Context, executionID, token string) error {
	return s.tokens.Validate(ctx, executionID, token)
}

// HandleNodeStarted applies a delegate's node-started callback.
func (s *Execution) HandleNodeStarted(ctx context.Context, executionID, nodeID string) (*models.Execution, error) {
	return s.ledger.NodeStarted(ctx, executionID, nodeID)
}

// HandleNodeCompleted applies a node-completed callback. When the completion
// finishes the whole run, the delegate is released.
func (s *Execution) HandleNodeCompleted(
	ctx context.Context,
	executionID, nodeID string,
	contextPatch map[string]any,
	nextNode string,
	output map[string]any,
) (*models.Execution, error) {
	execution, err := s.ledger.NodeCompleted(ctx, executionID, nodeID, contextPatch, nextNode, output)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		s.release(ctx, execution)
	}

	return execution, nil
}

// HandleNodeFailed applies a node-failed callback and releases the delegate.
func (s *Execution) HandleNodeFailed(ctx context.Context, executionID, nodeID, message string) (*models.Execution, error) {
	execution, err := s.ledger.NodeFailed(ctx, executionID, nodeID, message)
	if err != nil {
		return nil, err
	}

	s.release(ctx, execution)

	return execution, nil
}

// HandleLog applies an observational log callback.
func (s *Execution) HandleLog(ctx context.Context, executionID, level, message, nodeID string, metadata map[string]any) (*models.Execution, error) {
	return s.ledger.AppendLog(ctx, executionID, level, message, nodeID, metadata)
}

// Pause freezes a running execution.
func (s *Execution) Pause(ctx context.Context, executionID string) (*models.Execution, error) {
	return s.ledger.Pause(ctx, executionID)
}

// Resume returns a paused execution to running. An in-process run loses its
// driver goroutine when a pause refuses its next transition, so the driver
// is dispatched again to continue from the cursor; delegated runs resume on
// their own callbacks.
func (s *Execution) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := s.ledger.Resume(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if s.driver != nil && execution.DelegateHandle == "" && s.driver.CanRun(execution.Graph) {
		s.dispatchDriver(ctx, execution.ID)
	}

	return execution, nil
}

// dispatchDriver runs the in-process driver on its own goroutine, detached
// from the request context.
func (s *Execution) dispatchDriver(ctx context.Context, executionID string) {
	go func() {
		runCtx := context.WithoutCancel(ctx)

		if err := s.driver.Run(runCtx, executionID); err != nil {
			s.logger.ErrorContext(runCtx, "In-process run failed",
				"execution_id", executionID,
				"error", err,
			)
		}
	}()
}

// Cancel aborts an execution and releases its delegate.
func (s *Execution) Cancel(ctx context.Context, executionID, reason string) (*models.Execution, error) {
	execution, err := s.ledger.Cancel(ctx, executionID, reason)
	if err != nil {
		return nil, err
	}

	s.release(ctx, execution)

	return execution, nil
}

// Answer delivers a user's answer (or skip) to the step waiting on it. If
// the session is an execution parked in waiting_user, the answer is also
// submitted to the ledger so the run resumes with it in context.
func (s *Execution) Answer(ctx context.Context, sessionID, questionID string, value any, skipped bool) error {
	if err := s.waiter.Resolve(sessionID, questionID, models.Answer{
		QuestionID: questionID,
		Value:      value,
		Skipped:    skipped,
		AnsweredAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	answers := map[string]any{}
	if !skipped {
		answers[questionID] = value
	}

	if _, err := s.ledger.SubmitAnswers(ctx, sessionID, answers); err != nil {
		// The wait may belong to a planning session rather than an
		// execution, or the run may not be parked on the ledger.
		s.logger.DebugContext(ctx, "Answer not submitted to ledger",
			"session_id", sessionID,
			"error", err,
		)
	}

	return nil
}

// ResolveSecrets decrypts the definition's secrets for an authorized
// delegate. Definitions carrying an automation origin also get a
// source-control token when a resolver is configured.
func (s *Execution) ResolveSecrets(ctx context.Context, executionID string) (map[string]string, error) {
	execution, err := s.ledger.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	resolved, err := s.secrets.Resolve(ctx, execution.DefinitionID)
	if err != nil {
		return nil, err
	}

	if s.sourceControlFor == nil || execution.Graph == nil {
		return resolved, nil
	}

	origin, _ := execution.Graph.Metadata["automation_origin"].(string)
	if origin == "" {
		return resolved, nil
	}

	token, err := s.sourceControlFor(ctx, origin)
	if err != nil {
		s.logger.WarnContext(ctx, "Source-control token resolution failed",
			"execution_id", executionID,
			"origin", origin,
			"error", err,
		)

		return resolved, nil
	}

	resolved["SOURCE_CONTROL_TOKEN"] = token

	return resolved, nil
}

// release revokes the delegate credential and tears the compute unit down.
// Both are best-effort; the ledger transition already committed.
func (s *Execution) release(ctx context.Context, execution *models.Execution) {
	ctx = context.WithoutCancel(ctx)

	if err := s.tokens.Revoke(ctx, execution.ID); err != nil {
		s.logger.WarnContext(ctx, "Failed to revoke delegate credential",
			"execution_id", execution.ID,
			"error", err,
		)
	}

	if execution.DelegateHandle == "" {
		return
	}

	if err := s.provisioner.Teardown(ctx, execution.DelegateHandle); err != nil {
		s.logger.WarnContext(ctx, "Failed to tear down delegate",
			"execution_id", execution.ID,
			"handle", execution.DelegateHandle,
			"error", err,
		)

		// The handle stays recorded so the janitor retries the teardown.
		return
	}

	if _, err := s.ledger.SetDelegateHandle(ctx, execution.ID, ""); err != nil {
		s.logger.WarnContext(ctx, "Failed to clear delegate handle",
			"execution_id", execution.ID,
			"error", err,
		)
	}
}
