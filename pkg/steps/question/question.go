// Package question implements the human-input step: the execution parks on
// a waiter until the question is answered, skipped, or times out.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/loomline/loomline/pkg/steps"
)

// DefaultTimeout bounds how long a question step waits for a human.
const DefaultTimeout = 5 * time.Minute

// Notifier announces an asked question to observers (stream subscribers,
// event bus). The step does not care who listens.
type Notifier interface {
	QuestionAsked(ctx context.Context, stepCtx steps.StepContext, question models.Question, timeoutAt time.Time)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, stepCtx steps.StepContext, question models.Question, timeoutAt time.Time)

func (f NotifierFunc) QuestionAsked(ctx context.Context, stepCtx steps.StepContext, question models.Question, timeoutAt time.Time) {
	f(ctx, stepCtx, question, timeoutAt)
}

func NewQuestionFactory(waiter *Waiter, notifier Notifier, pending persistence.PendingInputRepository) *QuestionFactory {
	return &QuestionFactory{waiter: waiter, notifier: notifier, pending: pending}
}

type QuestionFactory struct {
	waiter   *Waiter
	notifier Notifier
	pending  persistence.PendingInputRepository
}

func (*QuestionFactory) Kind() string {
	return "question"
}

func (f *QuestionFactory) Create(config map[string]any) (steps.Step, error) {
	if config == nil {
		config = map[string]any{}
	}

	raw, err := json.Marshal(config["question"])
	if err != nil {
		return nil, fmt.Errorf("question config is not serializable: %w", err)
	}

	var q models.Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("invalid question config: %w", err)
	}

	if q.ID == "" || q.Prompt == "" {
		return nil, fmt.Errorf("question step requires question.id and question.prompt")
	}

	timeout := DefaultTimeout
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds * float64(time.Second))
	} else if seconds, ok := config["timeout_seconds"].(int); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &QuestionStep{
		waiter:   f.waiter,
		notifier: f.notifier,
		pending:  f.pending,
		question: q,
		timeout:  timeout,
	}, nil
}

type QuestionStep struct {
	waiter   *Waiter
	notifier Notifier
	pending  persistence.PendingInputRepository
	question models.Question
	timeout  time.Duration
}

// Execute parks until the question resolves. The wait is persisted so a
// janitor can fail it if the process dies before the timer fires. No ledger
// status is touched here; the caller owns the waiting_user transition.
func (s *QuestionStep) Execute(ctx context.Context, stepCtx steps.StepContext, logger *slog.Logger) (map[string]any, error) {
	sessionID := stepCtx.SessionID
	if sessionID == "" {
		sessionID = stepCtx.ExecutionID
	}

	now := time.Now().UTC()
	timeoutAt := now.Add(s.timeout)

	resolutions, cleanup := s.waiter.Register(sessionID, s.question.ID, s.question.Rules)
	defer cleanup()

	if err := s.pending.Save(ctx, &models.PendingInput{
		SessionID:  sessionID,
		QuestionID: s.question.ID,
		Kind:       "question",
		ExpiresAt:  timeoutAt,
		CreatedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist pending question: %w", err)
	}

	defer func() {
		if err := s.pending.Delete(context.WithoutCancel(ctx), sessionID); err != nil {
			logger.Warn("Failed to clear pending question", "session_id", sessionID, "error", err)
		}
	}()

	if s.notifier != nil {
		s.notifier.QuestionAsked(ctx, stepCtx, s.question, timeoutAt)
	}

	logger.Info("Waiting for answer",
		"session_id", sessionID,
		"question_id", s.question.ID,
		"timeout_at", timeoutAt,
	)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-resolutions:
		if res.Err != nil {
			return nil, fmt.Errorf("answer to question %s rejected: %w", s.question.ID, res.Err)
		}

		if res.Answer.Skipped {
			return map[string]any{
				"question_id": s.question.ID,
				"skipped":     true,
			}, nil
		}

		return map[string]any{
			"question_id": s.question.ID,
			"answer":      res.Answer.Value,
		}, nil
	case <-timer.C:
		return nil, fmt.Errorf("question %s timed out after %s", s.question.ID, s.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
