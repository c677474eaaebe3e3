package question

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/loomline/loomline/pkg/persistence/file"
	"github.com/loomline/loomline/pkg/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestWaiterResolve(t *testing.T) {
	t.Parallel()

	w := NewWaiter()

	ch, cleanup := w.Register("sess-1", "q1", models.AnswerRules{})
	defer cleanup()

	require.NoError(t, w.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Value: "yes"}))

	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, "yes", res.Answer.Value)

	// The wait is consumed; a second answer has nowhere to go.
	err := w.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Value: "again"})
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestWaiterRejectsInvalidAnswerAndFailsWait(t *testing.T) {
	t.Parallel()

	w := NewWaiter()

	rules := models.AnswerRules{Min: floatPtr(1), Max: floatPtr(10)}

	ch, cleanup := w.Register("sess-1", "q1", rules)
	defer cleanup()

	err := w.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Value: float64(42)})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAnswerRejected)

	// The violation consumed the wait and was delivered to the step.
	res := <-ch
	assert.ErrorIs(t, res.Err, models.ErrAnswerRejected)
	assert.False(t, w.Pending("sess-1", "q1"))

	err = w.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Value: float64(5)})
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestWaiterSkipBypassesValidation(t *testing.T) {
	t.Parallel()

	w := NewWaiter()

	_, cleanup := w.Register("sess-1", "q1", models.AnswerRules{Required: true})
	defer cleanup()

	assert.NoError(t, w.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Skipped: true}))
}

func newQuestionStep(t *testing.T, timeoutSeconds float64, rules map[string]any) (*Waiter, persistence.PendingInputRepository, steps.Step) {
	t.Helper()

	waiter := NewWaiter()
	pending := file.NewPersistence(t.TempDir()).PendingInputRepository()
	factory := NewQuestionFactory(waiter, nil, pending)

	config := map[string]any{
		"question": map[string]any{
			"id":     "q1",
			"prompt": "Deploy to production?",
			"rules":  rules,
		},
	}
	if timeoutSeconds > 0 {
		config["timeout_seconds"] = timeoutSeconds
	}

	step, err := factory.Create(config)
	require.NoError(t, err)

	return waiter, pending, step
}

func TestQuestionStepAnswered(t *testing.T) {
	t.Parallel()

	waiter, pending, step := newQuestionStep(t, 30, nil)

	type result struct {
		output map[string]any
		err    error
	}

	done := make(chan result, 1)

	go func() {
		output, err := step.Execute(context.Background(), steps.StepContext{
			ExecutionID: "exec-1",
			SessionID:   "sess-1",
			NodeID:      "n1",
		}, slog.Default())
		done <- result{output, err}
	}()

	require.Eventually(t, func() bool {
		return waiter.Pending("sess-1", "q1")
	}, 2*time.Second, 5*time.Millisecond)

	// The wait survives a restart via the persisted row.
	row, err := pending.GetBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "q1", row.QuestionID)

	require.NoError(t, waiter.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Value: "yes"}))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "yes", got.output["answer"])

	// The pending row is cleared once the step resolves.
	assert.Eventually(t, func() bool {
		_, err := pending.GetBySession(context.Background(), "sess-1")

		return persistence.IsNotFound(err)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQuestionStepSkipped(t *testing.T) {
	t.Parallel()

	waiter, _, step := newQuestionStep(t, 30, map[string]any{"required": true})

	done := make(chan map[string]any, 1)

	go func() {
		output, err := step.Execute(context.Background(), steps.StepContext{SessionID: "sess-1"}, slog.Default())
		require.NoError(t, err)
		done <- output
	}()

	require.Eventually(t, func() bool {
		return waiter.Pending("sess-1", "q1")
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, waiter.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Skipped: true}))

	output := <-done
	assert.Equal(t, true, output["skipped"])
}

func TestQuestionStepFailsOnRejectedAnswer(t *testing.T) {
	t.Parallel()

	waiter, _, step := newQuestionStep(t, 30, map[string]any{"min_length": 3})

	done := make(chan error, 1)

	go func() {
		_, err := step.Execute(context.Background(), steps.StepContext{SessionID: "sess-1"}, slog.Default())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return waiter.Pending("sess-1", "q1")
	}, 2*time.Second, 5*time.Millisecond)

	err := waiter.Resolve("sess-1", "q1", models.Answer{QuestionID: "q1", Value: "no"})
	require.ErrorIs(t, err, models.ErrAnswerRejected)

	// The violation fails the step; nothing downstream runs.
	stepErr := <-done
	require.Error(t, stepErr)
	assert.ErrorIs(t, stepErr, models.ErrAnswerRejected)
}

func TestQuestionStepTimeout(t *testing.T) {
	t.Parallel()

	_, _, step := newQuestionStep(t, 0.05, nil)

	_, err := step.Execute(context.Background(), steps.StepContext{SessionID: "sess-1"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestQuestionStepFallsBackToExecutionID(t *testing.T) {
	t.Parallel()

	waiter, _, step := newQuestionStep(t, 30, nil)

	go func() {
		_, _ = step.Execute(context.Background(), steps.StepContext{ExecutionID: "exec-9"}, slog.Default())
	}()

	require.Eventually(t, func() bool {
		return waiter.Pending("exec-9", "q1")
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, waiter.Resolve("exec-9", "q1", models.Answer{QuestionID: "q1", Value: "ok"}))
}

func TestQuestionFactoryValidation(t *testing.T) {
	t.Parallel()

	factory := NewQuestionFactory(NewWaiter(), nil, file.NewPersistence(t.TempDir()).PendingInputRepository())

	_, err := factory.Create(map[string]any{})
	require.Error(t, err)

	_, err = factory.Create(map[string]any{"question": map[string]any{"id": "q1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question.id and question.prompt")
}
