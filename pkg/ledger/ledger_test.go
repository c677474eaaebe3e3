package ledger

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/loomline/loomline/pkg/events"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingBroadcaster) Broadcast(_ string, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingBroadcaster) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.GetType()
	}

	return out
}

func linearDefinition() *models.Definition {
	return &models.Definition{
		ID:        "def-linear",
		Name:      "Linear Pipeline",
		EntryNode: "a",
		Nodes: []*models.Node{
			{ID: "a", Kind: models.NodeKindTask},
			{ID: "b", Kind: models.NodeKindTask},
			{ID: "c", Kind: models.NodeKindTask},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}
}

func newTestLedger(t *testing.T) (*Ledger, *recordingBroadcaster) {
	t.Helper()

	broadcaster := &recordingBroadcaster{}
	persistence := file.NewPersistence(t.TempDir())

	return NewLedger(persistence.ExecutionRepository(), broadcaster, slog.Default()), broadcaster
}

func TestStart(t *testing.T) {
	t.Parallel()

	l, broadcaster := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), map[string]any{"seed": "value"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, "a", execution.CurrentNode)
	assert.Equal(t, "value", execution.Context["seed"])
	assert.Equal(t, models.NodeStatusPending, execution.NodeState("a").Status)
	assert.Equal(t, []events.EventType{events.ExecutionStartedEvent}, broadcaster.types())
}

func TestLinearRunToCompletion(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	_, err = l.NodeStarted(t.Context(), execution.ID, "a")
	require.NoError(t, err)

	_, err = l.NodeCompleted(t.Context(), execution.ID, "a", map[string]any{"x": 1}, "", nil)
	require.NoError(t, err)

	_, err = l.NodeStarted(t.Context(), execution.ID, "b")
	require.NoError(t, err)

	// Delegate supplies an explicit next node for dynamic branching.
	_, err = l.NodeCompleted(t.Context(), execution.ID, "b", map[string]any{"y": 2}, "c", nil)
	require.NoError(t, err)

	final, err := l.NodeCompleted(t.Context(), execution.ID, "c", nil, "", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, models.CursorNone, final.CurrentNode)
	assert.EqualValues(t, 1, final.Context["x"])
	assert.EqualValues(t, 2, final.Context["y"])
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("a").Status)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("b").Status)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("c").Status)
	assert.NotNil(t, final.CompletedAt)
}

func TestNodeCompletedReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	first, err := l.NodeCompleted(t.Context(), execution.ID, "a", map[string]any{"x": 1}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", first.CurrentNode)

	// Replaying the same terminal event must not advance the cursor again
	// or merge the patch twice.
	second, err := l.NodeCompleted(t.Context(), execution.ID, "a", map[string]any{"x": 99}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", second.CurrentNode)
	assert.EqualValues(t, 1, second.Context["x"])
}

func TestNodeFailedMidRun(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	_, err = l.NodeCompleted(t.Context(), execution.ID, "a", nil, "", nil)
	require.NoError(t, err)

	failed, err := l.NodeFailed(t.Context(), execution.ID, "b", "boom")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	assert.Equal(t, models.CursorError, failed.CurrentNode)
	assert.Equal(t, "boom", failed.ErrorMessage)
	assert.Equal(t, models.NodeStatusFailed, failed.NodeState("b").Status)
	assert.Equal(t, "boom", failed.NodeState("b").Error)
	assert.Equal(t, models.NodeStatusPending, failed.NodeState("c").Status)

	// A terminal run accepts no further node transitions.
	_, err = l.NodeStarted(t.Context(), execution.ID, "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExecutionTerminal)
}

func TestCompletedNodeCannotFailLater(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	_, err = l.NodeCompleted(t.Context(), execution.ID, "a", nil, "", nil)
	require.NoError(t, err)

	_, err = l.NodeFailed(t.Context(), execution.ID, "a", "late failure")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNodeStateFinal)

	current, err := l.Get(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, current.Status)
	assert.Equal(t, models.NodeStatusCompleted, current.NodeState("a").Status)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	paused, err := l.Pause(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)
	assert.Equal(t, "a", paused.CurrentNode)

	// No node transition is accepted while paused.
	_, err = l.NodeCompleted(t.Context(), execution.ID, "a", nil, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	resumed, err := l.Resume(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)

	// Resuming a running execution is a conflict.
	_, err = l.Resume(t.Context(), execution.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestIllegalTransitionsFromTerminal(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	_, err = l.Cancel(t.Context(), execution.ID, "operator abort")
	require.NoError(t, err)

	for name, op := range map[string]func() error{
		"pause":  func() error { _, err := l.Pause(t.Context(), execution.ID); return err },
		"resume": func() error { _, err := l.Resume(t.Context(), execution.ID); return err },
		"cancel": func() error { _, err := l.Cancel(t.Context(), execution.ID, "again"); return err },
		"complete": func() error {
			_, err := l.NodeCompleted(t.Context(), execution.ID, "a", nil, "", nil)
			return err
		},
	} {
		err := op()
		require.Error(t, err, name)
	}

	current, err := l.Get(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, current.Status)
	assert.Equal(t, "operator abort", current.ErrorMessage)
}

func TestAwaitInputAndSubmitAnswers(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	waiting, err := l.AwaitInput(t.Context(), execution.ID, "a", "question")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingUser, waiting.Status)
	assert.Equal(t, "a", waiting.CurrentNode)

	resumed, err := l.SubmitAnswers(t.Context(), execution.ID, map[string]any{"q1": "yes"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)

	answers, ok := resumed.Context["answers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes", answers["q1"])

	// Answering a run that is no longer waiting is a conflict.
	_, err = l.SubmitAnswers(t.Context(), execution.ID, map[string]any{"q2": "no"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestAppendLogDoesNotChangeStatus(t *testing.T) {
	t.Parallel()

	l, broadcaster := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	logged, err := l.AppendLog(t.Context(), execution.ID, "info", "compiling", "a", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusRunning, logged.Status)
	require.Len(t, logged.Conversation, 1)
	assert.Equal(t, "compiling", logged.Conversation[0].Content)
	assert.Contains(t, broadcaster.types(), events.LogEvent)
}

func TestUnknownNodeRejected(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	_, err = l.NodeStarted(t.Context(), execution.ID, "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownNode)
}

func TestConcurrentCompletionsSerialized(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)

	execution, err := l.Start(t.Context(), linearDefinition(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = l.NodeCompleted(t.Context(), execution.ID, "a", map[string]any{"x": 1}, "", nil)
		}()
	}

	wg.Wait()

	current, err := l.Get(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", current.CurrentNode)
	assert.Equal(t, models.NodeStatusCompleted, current.NodeState("a").Status)
}
