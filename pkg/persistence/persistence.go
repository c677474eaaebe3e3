// Package persistence provides the data storage abstraction for workflow
// definitions, executions, planning sessions, secrets and pending inputs.
package persistence

import (
	"context"
	"time"

	"github.com/loomline/loomline/pkg/models"
)

// Persistence is the root accessor implemented by every storage backend.
type Persistence interface {
	DefinitionRepository() DefinitionRepository
	ExecutionRepository() ExecutionRepository
	SessionRepository() SessionRepository
	SecretRepository() SecretRepository
	PendingInputRepository() PendingInputRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores workflow definitions.
type DefinitionRepository interface {
	Definitions(ctx context.Context) ([]*models.Definition, error)
	GetByID(ctx context.Context, id string) (*models.Definition, error)
	Save(ctx context.Context, def *models.Definition) error
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores execution ledger rows.
type ExecutionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	Save(ctx context.Context, execution *models.Execution) error
	ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error)
}

// SessionRepository stores planning sessions.
type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*models.PlanningSession, error)
	Save(ctx context.Context, session *models.PlanningSession) error
}

// SecretRepository stores encrypted per-definition secrets.
type SecretRepository interface {
	ListByDefinition(ctx context.Context, definitionID string) ([]*models.Secret, error)
	Save(ctx context.Context, secret *models.Secret) error
	Delete(ctx context.Context, definitionID, key string) error
}

// PendingInputRepository stores suspended waits for human input so expired
// waits survive restarts and can be swept by the janitor.
type PendingInputRepository interface {
	Save(ctx context.Context, pending *models.PendingInput) error
	GetBySession(ctx context.Context, sessionID string) (*models.PendingInput, error)
	Delete(ctx context.Context, sessionID string) error
	ListExpired(ctx context.Context, cutoff time.Time) ([]*models.PendingInput, error)
}
