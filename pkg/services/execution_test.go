package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loomline/loomline/pkg/delegate"
	"github.com/loomline/loomline/pkg/ledger"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence/file"
	"github.com/loomline/loomline/pkg/secrets"
	"github.com/loomline/loomline/pkg/steps/question"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu         sync.Mutex
	provisions []delegate.Handoff
	teardowns  []string
	failNext   bool
}

func (p *fakeProvisioner) Provision(_ context.Context, handoff delegate.Handoff) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext {
		return "", errors.New("pool exhausted")
	}

	p.provisions = append(p.provisions, handoff)

	return "unit-" + handoff.ExecutionID, nil
}

func (p *fakeProvisioner) Teardown(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.teardowns = append(p.teardowns, handle)

	return nil
}

type executionFixture struct {
	service     *Execution
	provisioner *fakeProvisioner
	tokens      *delegate.MemoryTokenStore
	waiter      *question.Waiter
	secrets     *secrets.Service
	definition  *models.Definition
}

func newExecutionFixture(t *testing.T) *executionFixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	provisioner := &fakeProvisioner{}
	tokens := delegate.NewMemoryTokenStore()
	waiter := question.NewWaiter()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	secretService, err := secrets.NewService(store.SecretRepository(), key)
	require.NoError(t, err)

	definition := &models.Definition{
		ID:        "def-1",
		Name:      "Review Pipeline",
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
		Metadata: map[string]any{"automation_origin": "github"},
	}
	require.NoError(t, store.DefinitionRepository().Save(t.Context(), definition))

	service := NewExecution(ExecutionConfig{
		Ledger:          ledger.NewLedger(store.ExecutionRepository(), nil, slog.Default()),
		Definitions:     store.DefinitionRepository(),
		Provisioner:     provisioner,
		Tokens:          tokens,
		Secrets:         secretService,
		Waiter:          waiter,
		Logger:          slog.Default(),
		CallbackBaseURL: "http://engine:9091",
		TokenTTL:        time.Minute,
		SourceControlTokens: func(_ context.Context, origin string) (string, error) {
			return "scm-token-for-" + origin, nil
		},
	})

	return &executionFixture{
		service:     service,
		provisioner: provisioner,
		tokens:      tokens,
		waiter:      waiter,
		secrets:     secretService,
		definition:  definition,
	}
}

func TestStartProvisionsDelegate(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	execution, err := f.service.Start(t.Context(), "def-1", map[string]any{"pr": 42})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, "unit-"+execution.ID, execution.DelegateHandle)

	require.Len(t, f.provisioner.provisions, 1)
	handoff := f.provisioner.provisions[0]
	assert.Equal(t, execution.ID, handoff.ExecutionID)
	assert.Equal(t, "http://engine:9091/executions/"+execution.ID+"/callbacks", handoff.CallbackBaseURL)
	assert.NotEmpty(t, handoff.Token)

	// The handed-off token validates only against this execution.
	assert.NoError(t, f.service.ValidateCallbackToken(t.Context(), execution.ID, handoff.Token))
	assert.ErrorIs(t,
		f.service.ValidateCallbackToken(t.Context(), "exec-other", handoff.Token),
		delegate.ErrTokenInvalid,
	)
}

func TestStartUnknownDefinition(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	_, err := f.service.Start(t.Context(), "def-missing", nil)
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestStartProvisioningFailureFailsRun(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)
	f.provisioner.failNext = true

	_, err := f.service.Start(t.Context(), "def-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provision")

	// The half-started run was failed, not left running.
	running, err := f.service.ledger.Get(t.Context(), findOnlyExecution(t, f))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, running.Status)
}

func findOnlyExecution(t *testing.T, f *executionFixture) string {
	t.Helper()

	failed, err := f.service.ledger.List(t.Context(), models.ExecutionStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	return failed[0].ID
}

func TestCallbackLifecycleToCompletion(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	execution, err := f.service.Start(t.Context(), "def-1", nil)
	require.NoError(t, err)

	_, err = f.service.HandleNodeStarted(t.Context(), execution.ID, "a")
	require.NoError(t, err)

	_, err = f.service.HandleNodeCompleted(t.Context(), execution.ID, "a", map[string]any{"x": 1}, "", nil)
	require.NoError(t, err)

	_, err = f.service.HandleLog(t.Context(), execution.ID, "info", "working on b", "b", nil)
	require.NoError(t, err)

	_, err = f.service.HandleNodeCompleted(t.Context(), execution.ID, "b", nil, "", nil)
	require.NoError(t, err)

	final, err := f.service.HandleNodeCompleted(t.Context(), execution.ID, "c", map[string]any{"y": 2}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	// Completion released the delegate and revoked its credential.
	assert.Equal(t, []string{"unit-" + execution.ID}, f.provisioner.teardowns)
	assert.ErrorIs(t,
		f.service.ValidateCallbackToken(t.Context(), execution.ID, "anything"),
		delegate.ErrTokenInvalid,
	)
}

func TestNodeFailureReleasesDelegate(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	execution, err := f.service.Start(t.Context(), "def-1", nil)
	require.NoError(t, err)

	failed, err := f.service.HandleNodeFailed(t.Context(), execution.ID, "a", "boom")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	assert.Len(t, f.provisioner.teardowns, 1)

	// The handle is cleared after the teardown so the janitor does not
	// tear the same unit down again.
	current, err := f.service.Get(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Empty(t, current.DelegateHandle)
}

func TestCancelReleasesDelegate(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	execution, err := f.service.Start(t.Context(), "def-1", nil)
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(t.Context(), execution.ID, "operator")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, cancelled.Status)
	assert.Len(t, f.provisioner.teardowns, 1)

	// A second cancel is a conflict, not a second teardown.
	_, err = f.service.Cancel(t.Context(), execution.ID, "again")
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.Len(t, f.provisioner.teardowns, 1)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	execution, err := f.service.Start(t.Context(), "def-1", nil)
	require.NoError(t, err)

	paused, err := f.service.Pause(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)

	resumed, err := f.service.Resume(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)
}

type recordingDriver struct {
	mu   sync.Mutex
	runs []string
}

func (d *recordingDriver) CanRun(def *models.Definition) bool {
	if len(def.Nodes) == 0 {
		return false
	}

	for _, n := range def.Nodes {
		if n.Kind == models.NodeKindTask {
			return false
		}
	}

	return true
}

func (d *recordingDriver) Run(_ context.Context, executionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.runs = append(d.runs, executionID)

	return nil
}

func (d *recordingDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.runs...)
}

func TestResumeRedispatchesInProcessRun(t *testing.T) {
	t.Parallel()

	store := file.NewPersistence(t.TempDir())
	driver := &recordingDriver{}

	definition := &models.Definition{
		ID:   "def-gate",
		Name: "Gate Only",
		Nodes: []*models.Node{
			{ID: "gate", Kind: models.NodeKindConditional, Config: map[string]any{"condition": "true == true"}},
		},
	}
	require.NoError(t, store.DefinitionRepository().Save(t.Context(), definition))

	service := NewExecution(ExecutionConfig{
		Ledger:          ledger.NewLedger(store.ExecutionRepository(), nil, slog.Default()),
		Definitions:     store.DefinitionRepository(),
		Provisioner:     &fakeProvisioner{},
		Tokens:          delegate.NewMemoryTokenStore(),
		Waiter:          question.NewWaiter(),
		Driver:          driver,
		Logger:          slog.Default(),
		CallbackBaseURL: "http://engine:9091",
	})

	execution, err := service.Start(t.Context(), "def-gate", nil)
	require.NoError(t, err)
	assert.Empty(t, execution.DelegateHandle)

	require.Eventually(t, func() bool {
		return len(driver.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = service.Pause(t.Context(), execution.ID)
	require.NoError(t, err)

	// Resuming brings the driver back; it continues from the cursor.
	_, err = service.Resume(t.Context(), execution.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(driver.recorded()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{execution.ID, execution.ID}, driver.recorded())
}

func TestResolveSecretsWithAutomationOrigin(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	require.NoError(t, f.secrets.Set(t.Context(), "def-1", "API_TOKEN", "s3cret"))

	execution, err := f.service.Start(t.Context(), "def-1", nil)
	require.NoError(t, err)

	resolved, err := f.service.ResolveSecrets(t.Context(), execution.ID)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", resolved["API_TOKEN"])
	assert.Equal(t, "scm-token-for-github", resolved["SOURCE_CONTROL_TOKEN"])
}

func TestAnswerResolvesWaitingQuestion(t *testing.T) {
	t.Parallel()

	f := newExecutionFixture(t)

	_, cleanup := f.waiter.Register("sess-1", "q1", models.AnswerRules{})
	defer cleanup()

	require.NoError(t, f.service.Answer(t.Context(), "sess-1", "q1", "yes", false))

	err := f.service.Answer(t.Context(), "sess-1", "q1", "yes", false)
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}
