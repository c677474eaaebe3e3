package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
)

// DefinitionRepository handles definition rows.
type DefinitionRepository struct {
	db *sql.DB
}

func (r *DefinitionRepository) Definitions(ctx context.Context) ([]*models.Definition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM definitions ORDER BY created_at`)
	if err != nil {
		return nil, persistence.NewStoreError("Definitions", "definition", "", err)
	}
	defer rows.Close()

	var defs []*models.Definition

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, persistence.NewStoreError("Definitions", "definition", "", err)
		}

		var def models.Definition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, persistence.NewStoreError("Definitions", "definition", "", err)
		}

		defs = append(defs, &def)
	}

	return defs, rows.Err()
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.Definition, error) {
	var doc []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM definitions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "definition", id, persistence.ErrDefinitionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "definition", id, err)
	}

	var def models.Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, persistence.NewStoreError("GetByID", "definition", id, err)
	}

	return &def, nil
}

func (r *DefinitionRepository) Save(ctx context.Context, def *models.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return persistence.NewStoreError("Save", "definition", def.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO definitions (id, name, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`, def.ID, def.Name, def.Version, doc, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "definition", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = $1`, id)
	if err != nil {
		return persistence.NewStoreError("Delete", "definition", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Delete", "definition", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", "definition", id, persistence.ErrDefinitionNotFound)
	}

	return nil
}

// ExecutionRepository handles execution ledger rows.
type ExecutionRepository struct {
	db *sql.DB
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	var doc []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM executions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "execution", id, err)
	}

	var execution models.Execution
	if err := json.Unmarshal(doc, &execution); err != nil {
		return nil, persistence.NewStoreError("GetByID", "execution", id, err)
	}

	return &execution, nil
}

func (r *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	doc, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewStoreError("Save", "execution", execution.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions (id, definition_id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`, execution.ID, execution.DefinitionID, execution.Status, doc, execution.CreatedAt, execution.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "execution", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM executions WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, persistence.NewStoreError("ListByStatus", "execution", string(status), err)
	}
	defer rows.Close()

	var executions []*models.Execution

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, persistence.NewStoreError("ListByStatus", "execution", string(status), err)
		}

		var execution models.Execution
		if err := json.Unmarshal(doc, &execution); err != nil {
			return nil, persistence.NewStoreError("ListByStatus", "execution", string(status), err)
		}

		executions = append(executions, &execution)
	}

	return executions, rows.Err()
}

// SessionRepository handles planning session rows.
type SessionRepository struct {
	db *sql.DB
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.PlanningSession, error) {
	var doc []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM planning_sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "session", id, persistence.ErrSessionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "session", id, err)
	}

	var session models.PlanningSession
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, persistence.NewStoreError("GetByID", "session", id, err)
	}

	return &session, nil
}

func (r *SessionRepository) Save(ctx context.Context, session *models.PlanningSession) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return persistence.NewStoreError("Save", "session", session.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO planning_sessions (id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`, session.ID, session.Status, doc, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "session", session.ID, err)
	}

	return nil
}

// SecretRepository handles encrypted secret rows.
type SecretRepository struct {
	db *sql.DB
}

func (r *SecretRepository) ListByDefinition(ctx context.Context, definitionID string) ([]*models.Secret, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT definition_id, key, ciphertext, created_at, updated_at
		FROM secrets WHERE definition_id = $1 ORDER BY key
	`, definitionID)
	if err != nil {
		return nil, persistence.NewStoreError("ListByDefinition", "secret", definitionID, err)
	}
	defer rows.Close()

	var secrets []*models.Secret

	for rows.Next() {
		var secret models.Secret
		if err := rows.Scan(&secret.DefinitionID, &secret.Key, &secret.Ciphertext, &secret.CreatedAt, &secret.UpdatedAt); err != nil {
			return nil, persistence.NewStoreError("ListByDefinition", "secret", definitionID, err)
		}

		secrets = append(secrets, &secret)
	}

	return secrets, rows.Err()
}

func (r *SecretRepository) Save(ctx context.Context, secret *models.Secret) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO secrets (definition_id, key, ciphertext, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (definition_id, key) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			updated_at = EXCLUDED.updated_at
	`, secret.DefinitionID, secret.Key, secret.Ciphertext, secret.CreatedAt, secret.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "secret", secret.DefinitionID, err)
	}

	return nil
}

func (r *SecretRepository) Delete(ctx context.Context, definitionID, key string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE definition_id = $1 AND key = $2`, definitionID, key)
	if err != nil {
		return persistence.NewStoreError("Delete", "secret", definitionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Delete", "secret", definitionID, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", "secret", definitionID, persistence.ErrSecretNotFound)
	}

	return nil
}

// PendingInputRepository handles suspended wait rows.
type PendingInputRepository struct {
	db *sql.DB
}

func (r *PendingInputRepository) Save(ctx context.Context, pending *models.PendingInput) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_inputs (session_id, question_id, kind, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			question_id = EXCLUDED.question_id,
			kind = EXCLUDED.kind,
			expires_at = EXCLUDED.expires_at
	`, pending.SessionID, pending.QuestionID, pending.Kind, pending.ExpiresAt, pending.CreatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "pending_input", pending.SessionID, err)
	}

	return nil
}

func (r *PendingInputRepository) GetBySession(ctx context.Context, sessionID string) (*models.PendingInput, error) {
	var pending models.PendingInput

	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, question_id, kind, expires_at, created_at
		FROM pending_inputs WHERE session_id = $1
	`, sessionID).Scan(&pending.SessionID, &pending.QuestionID, &pending.Kind, &pending.ExpiresAt, &pending.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetBySession", "pending_input", sessionID, persistence.ErrPendingInputNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetBySession", "pending_input", sessionID, err)
	}

	return &pending, nil
}

func (r *PendingInputRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_inputs WHERE session_id = $1`, sessionID); err != nil {
		return persistence.NewStoreError("Delete", "pending_input", sessionID, err)
	}

	return nil
}

func (r *PendingInputRepository) ListExpired(ctx context.Context, cutoff time.Time) ([]*models.PendingInput, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, question_id, kind, expires_at, created_at
		FROM pending_inputs WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return nil, persistence.NewStoreError("ListExpired", "pending_input", "", err)
	}
	defer rows.Close()

	var expired []*models.PendingInput

	for rows.Next() {
		var pending models.PendingInput
		if err := rows.Scan(&pending.SessionID, &pending.QuestionID, &pending.Kind, &pending.ExpiresAt, &pending.CreatedAt); err != nil {
			return nil, persistence.NewStoreError("ListExpired", "pending_input", "", err)
		}

		expired = append(expired, &pending)
	}

	return expired, rows.Err()
}
