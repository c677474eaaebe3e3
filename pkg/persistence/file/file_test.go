package file

import (
	"testing"
	"time"

	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	repo := p.DefinitionRepository()

	def := &models.Definition{
		ID:   "def-1",
		Name: "build-and-deploy",
		Nodes: []*models.Node{
			{ID: "build", Kind: models.NodeKindTask, Config: map[string]any{"command": "build"}},
			{ID: "deploy", Kind: models.NodeKindTask},
		},
		Edges:     []*models.Edge{{Source: "build", Target: "deploy"}},
		EntryNode: "build",
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, repo.Save(t.Context(), def))

	loaded, err := repo.GetByID(t.Context(), "def-1")
	require.NoError(t, err)
	assert.Equal(t, "build-and-deploy", loaded.Name)
	assert.Len(t, loaded.Nodes, 2)
	assert.Equal(t, "build", loaded.EntryNode)

	all, err := repo.Definitions(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(t.Context(), "def-1"))

	_, err = repo.GetByID(t.Context(), "def-1")
	assert.True(t, persistence.IsNotFound(err))
}

func TestDefinitionDeleteMissing(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())

	err := p.DefinitionRepository().Delete(t.Context(), "def-ghost")
	assert.True(t, persistence.IsNotFound(err))
}

func TestExecutionListByStatus(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	repo := p.ExecutionRepository()

	for _, e := range []*models.Execution{
		{ID: "exec-1", Status: models.ExecutionStatusRunning},
		{ID: "exec-2", Status: models.ExecutionStatusFailed},
		{ID: "exec-3", Status: models.ExecutionStatusFailed},
	} {
		require.NoError(t, repo.Save(t.Context(), e))
	}

	failed, err := repo.ListByStatus(t.Context(), models.ExecutionStatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	running, err := repo.ListByStatus(t.Context(), models.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	_, err = repo.GetByID(t.Context(), "exec-missing")
	assert.True(t, persistence.IsNotFound(err))
}

func TestExecutionPreservesStateMaps(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	repo := p.ExecutionRepository()

	now := time.Now().UTC()
	execution := &models.Execution{
		ID:          "exec-1",
		Status:      models.ExecutionStatusRunning,
		CurrentNode: "b",
		Context:     map[string]any{"x": "1"},
		NodeStates: map[string]*models.NodeState{
			"a": {Status: models.NodeStatusCompleted, CompletedAt: &now, Output: map[string]any{"ok": true}},
			"b": {Status: models.NodeStatusRunning},
		},
	}

	require.NoError(t, repo.Save(t.Context(), execution))

	loaded, err := repo.GetByID(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "b", loaded.CurrentNode)
	assert.Equal(t, models.NodeStatusCompleted, loaded.NodeStates["a"].Status)
	assert.Equal(t, true, loaded.NodeStates["a"].Output["ok"])
	assert.Equal(t, "1", loaded.Context["x"])
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	repo := p.SessionRepository()

	session := &models.PlanningSession{
		ID:     "plan-1",
		Status: models.PlanningSessionStatusWaitingUser,
		Batches: []*models.QuestionBatch{
			{ID: "b1", Status: models.BatchStatusActive, Questions: []models.Question{{ID: "q1", Prompt: "Env?"}}},
		},
		Answers: map[string]models.Answer{},
	}

	require.NoError(t, repo.Save(t.Context(), session))

	loaded, err := repo.GetByID(t.Context(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanningSessionStatusWaitingUser, loaded.Status)
	require.Len(t, loaded.Batches, 1)
	assert.Equal(t, "q1", loaded.Batches[0].Questions[0].ID)

	_, err = repo.GetByID(t.Context(), "plan-missing")
	assert.True(t, persistence.IsNotFound(err))
}

func TestSecretBundlePerDefinition(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	repo := p.SecretRepository()

	require.NoError(t, repo.Save(t.Context(), &models.Secret{DefinitionID: "def-1", Key: "API_KEY", Ciphertext: []byte("sealed-1")}))
	require.NoError(t, repo.Save(t.Context(), &models.Secret{DefinitionID: "def-1", Key: "DB_URL", Ciphertext: []byte("sealed-2")}))
	require.NoError(t, repo.Save(t.Context(), &models.Secret{DefinitionID: "def-2", Key: "API_KEY", Ciphertext: []byte("sealed-3")}))

	secrets, err := repo.ListByDefinition(t.Context(), "def-1")
	require.NoError(t, err)
	assert.Len(t, secrets, 2)

	require.NoError(t, repo.Delete(t.Context(), "def-1", "API_KEY"))

	secrets, err = repo.ListByDefinition(t.Context(), "def-1")
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, "DB_URL", secrets[0].Key)

	err = repo.Delete(t.Context(), "def-1", "API_KEY")
	assert.True(t, persistence.IsNotFound(err))

	// Other definitions are untouched.
	secrets, err = repo.ListByDefinition(t.Context(), "def-2")
	require.NoError(t, err)
	assert.Len(t, secrets, 1)
}

func TestPendingInputExpiry(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	repo := p.PendingInputRepository()

	now := time.Now().UTC()

	require.NoError(t, repo.Save(t.Context(), &models.PendingInput{
		SessionID:  "exec-1",
		QuestionID: "q1",
		Kind:       "question",
		ExpiresAt:  now.Add(-time.Minute),
	}))
	require.NoError(t, repo.Save(t.Context(), &models.PendingInput{
		SessionID:  "exec-2",
		QuestionID: "q2",
		Kind:       "question",
		ExpiresAt:  now.Add(time.Hour),
	}))

	expired, err := repo.ListExpired(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "exec-1", expired[0].SessionID)

	require.NoError(t, repo.Delete(t.Context(), "exec-1"))

	expired, err = repo.ListExpired(t.Context(), now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Deleting an absent wait is not an error; the janitor retries sweeps.
	assert.NoError(t, repo.Delete(t.Context(), "exec-1"))
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	p := NewPersistence(t.TempDir())
	assert.NoError(t, p.HealthCheck(t.Context()))
	assert.NoError(t, p.Close(t.Context()))
}
