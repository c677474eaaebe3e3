package postgresql

import "context"

// Schema bootstrap. Idempotent so it can run on every startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		document JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		status TEXT NOT NULL,
		document JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status)`,
	`CREATE TABLE IF NOT EXISTS planning_sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		document JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		definition_id TEXT NOT NULL,
		key TEXT NOT NULL,
		ciphertext BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (definition_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_inputs (
		session_id TEXT PRIMARY KEY,
		question_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_inputs_expires_at ON pending_inputs (expires_at)`,
}

func (p *Persistence) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
