package file

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
)

// DefinitionRepository stores workflow definitions as JSON files.
type DefinitionRepository struct {
	store *store
}

func (r *DefinitionRepository) Definitions(_ context.Context) ([]*models.Definition, error) {
	var defs []*models.Definition

	err := r.store.list(func(data []byte) error {
		var def models.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return err
		}

		defs = append(defs, &def)

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("Definitions", "definition", "", err)
	}

	return defs, nil
}

func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.Definition, error) {
	var def models.Definition

	found, err := r.store.read(id, &def)
	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "definition", id, err)
	}

	if !found {
		return nil, persistence.NewStoreError("GetByID", "definition", id, persistence.ErrDefinitionNotFound)
	}

	return &def, nil
}

func (r *DefinitionRepository) Save(_ context.Context, def *models.Definition) error {
	if err := r.store.write(def.ID, def); err != nil {
		return persistence.NewStoreError("Save", "definition", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) Delete(_ context.Context, id string) error {
	found, err := r.store.remove(id)
	if err != nil {
		return persistence.NewStoreError("Delete", "definition", id, err)
	}

	if !found {
		return persistence.NewStoreError("Delete", "definition", id, persistence.ErrDefinitionNotFound)
	}

	return nil
}

// ExecutionRepository stores execution ledger rows as JSON files.
type ExecutionRepository struct {
	store *store
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	var execution models.Execution

	found, err := r.store.read(id, &execution)
	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "execution", id, err)
	}

	if !found {
		return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return &execution, nil
}

func (r *ExecutionRepository) Save(_ context.Context, execution *models.Execution) error {
	if err := r.store.write(execution.ID, execution); err != nil {
		return persistence.NewStoreError("Save", "execution", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ListByStatus(_ context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	var executions []*models.Execution

	err := r.store.list(func(data []byte) error {
		var execution models.Execution
		if err := json.Unmarshal(data, &execution); err != nil {
			return err
		}

		if execution.Status == status {
			executions = append(executions, &execution)
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("ListByStatus", "execution", string(status), err)
	}

	return executions, nil
}

// SessionRepository stores planning sessions as JSON files.
type SessionRepository struct {
	store *store
}

func (r *SessionRepository) GetByID(_ context.Context, id string) (*models.PlanningSession, error) {
	var session models.PlanningSession

	found, err := r.store.read(id, &session)
	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "session", id, err)
	}

	if !found {
		return nil, persistence.NewStoreError("GetByID", "session", id, persistence.ErrSessionNotFound)
	}

	return &session, nil
}

func (r *SessionRepository) Save(_ context.Context, session *models.PlanningSession) error {
	if err := r.store.write(session.ID, session); err != nil {
		return persistence.NewStoreError("Save", "session", session.ID, err)
	}

	return nil
}

// SecretRepository stores encrypted secrets grouped per definition.
type SecretRepository struct {
	store *store
}

type secretBundle struct {
	DefinitionID string                    `json:"definition_id"`
	Secrets      map[string]*models.Secret `json:"secrets"`
}

func (r *SecretRepository) ListByDefinition(_ context.Context, definitionID string) ([]*models.Secret, error) {
	var bundle secretBundle

	found, err := r.store.read(definitionID, &bundle)
	if err != nil {
		return nil, persistence.NewStoreError("ListByDefinition", "secret", definitionID, err)
	}

	if !found {
		return nil, nil
	}

	secrets := make([]*models.Secret, 0, len(bundle.Secrets))
	for _, s := range bundle.Secrets {
		secrets = append(secrets, s)
	}

	return secrets, nil
}

func (r *SecretRepository) Save(_ context.Context, secret *models.Secret) error {
	var bundle secretBundle

	if _, err := r.store.read(secret.DefinitionID, &bundle); err != nil {
		return persistence.NewStoreError("Save", "secret", secret.DefinitionID, err)
	}

	if bundle.Secrets == nil {
		bundle.DefinitionID = secret.DefinitionID
		bundle.Secrets = make(map[string]*models.Secret)
	}

	bundle.Secrets[secret.Key] = secret

	if err := r.store.write(secret.DefinitionID, &bundle); err != nil {
		return persistence.NewStoreError("Save", "secret", secret.DefinitionID, err)
	}

	return nil
}

func (r *SecretRepository) Delete(_ context.Context, definitionID, key string) error {
	var bundle secretBundle

	found, err := r.store.read(definitionID, &bundle)
	if err != nil {
		return persistence.NewStoreError("Delete", "secret", definitionID, err)
	}

	if !found || bundle.Secrets[key] == nil {
		return persistence.NewStoreError("Delete", "secret", definitionID, persistence.ErrSecretNotFound)
	}

	delete(bundle.Secrets, key)

	if err := r.store.write(definitionID, &bundle); err != nil {
		return persistence.NewStoreError("Delete", "secret", definitionID, err)
	}

	return nil
}

// PendingInputRepository stores suspended waits keyed by session id.
type PendingInputRepository struct {
	store *store
}

func (r *PendingInputRepository) Save(_ context.Context, pending *models.PendingInput) error {
	if err := r.store.write(pending.SessionID, pending); err != nil {
		return persistence.NewStoreError("Save", "pending_input", pending.SessionID, err)
	}

	return nil
}

func (r *PendingInputRepository) GetBySession(_ context.Context, sessionID string) (*models.PendingInput, error) {
	var pending models.PendingInput

	found, err := r.store.read(sessionID, &pending)
	if err != nil {
		return nil, persistence.NewStoreError("GetBySession", "pending_input", sessionID, err)
	}

	if !found {
		return nil, persistence.NewStoreError("GetBySession", "pending_input", sessionID, persistence.ErrPendingInputNotFound)
	}

	return &pending, nil
}

func (r *PendingInputRepository) Delete(_ context.Context, sessionID string) error {
	if _, err := r.store.remove(sessionID); err != nil {
		return persistence.NewStoreError("Delete", "pending_input", sessionID, err)
	}

	return nil
}

func (r *PendingInputRepository) ListExpired(_ context.Context, cutoff time.Time) ([]*models.PendingInput, error) {
	var expired []*models.PendingInput

	err := r.store.list(func(data []byte) error {
		var pending models.PendingInput
		if err := json.Unmarshal(data, &pending); err != nil {
			return err
		}

		if pending.ExpiresAt.Before(cutoff) {
			expired = append(expired, &pending)
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("ListExpired", "pending_input", "", err)
	}

	return expired, nil
}
