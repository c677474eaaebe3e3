// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// PostgreSQL driver registration.
	_ "github.com/lib/pq"

	"github.com/loomline/loomline/pkg/persistence"
)

// Persistence implements persistence.Persistence backed by PostgreSQL.
// Entity documents are stored in JSONB columns alongside the columns the
// engine filters on, mirroring how the ledger treats rows as whole records.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	definitions   *DefinitionRepository
	executions    *ExecutionRepository
	sessions      *SessionRepository
	secrets       *SecretRepository
	pendingInputs *PendingInputRepository
}

// NewPersistence connects, migrates and returns a PostgreSQL persistence.
func NewPersistence(ctx context.Context, databaseURL string, logger *slog.Logger) (*Persistence, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	p := &Persistence{
		db:            db,
		logger:        logger.With("module", "postgresql"),
		definitions:   &DefinitionRepository{db: db},
		executions:    &ExecutionRepository{db: db},
		sessions:      &SessionRepository{db: db},
		secrets:       &SecretRepository{db: db},
		pendingInputs: &PendingInputRepository{db: db},
	}

	if err := p.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return p, nil
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return p.definitions
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) SessionRepository() persistence.SessionRepository {
	return p.sessions
}

func (p *Persistence) SecretRepository() persistence.SecretRepository {
	return p.secrets
}

func (p *Persistence) PendingInputRepository() persistence.PendingInputRepository {
	return p.pendingInputs
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Persistence) Close(_ context.Context) error {
	return p.db.Close()
}
