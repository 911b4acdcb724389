// Package postgres implements the backend authority's session ledger
// on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CHILD ACCOUNTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS children (
    id VARCHAR(64) PRIMARY KEY,
    display_name VARCHAR(100) NOT NULL,
    parent_token_hash VARCHAR(100) NOT NULL,
    suspended BOOLEAN NOT NULL DEFAULT FALSE,
    daily_quota_seconds BIGINT NOT NULL DEFAULT 7200,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_quota CHECK (daily_quota_seconds >= 0)
);

CREATE INDEX IF NOT EXISTS idx_children_suspended ON children(suspended) WHERE suspended;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: SESSION LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    child_id VARCHAR(64) NOT NULL REFERENCES children(id),
    classroom_id VARCHAR(64) NOT NULL DEFAULT '',
    idempotency_key VARCHAR(64) NOT NULL UNIQUE,
    state VARCHAR(16) NOT NULL DEFAULT 'active',
    granted_seconds BIGINT NOT NULL,

    started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    stopped_at TIMESTAMP WITH TIME ZONE,
    stop_reason VARCHAR(64) NOT NULL DEFAULT '',
    elapsed_reported_seconds BIGINT NOT NULL DEFAULT 0,

    last_heartbeat_at TIMESTAMP WITH TIME ZONE,
    last_heartbeat_seq BIGINT NOT NULL DEFAULT 0,

    stop_requested BOOLEAN NOT NULL DEFAULT FALSE,
    stop_request_reason VARCHAR(64) NOT NULL DEFAULT '',

    CONSTRAINT valid_state CHECK (state IN ('active', 'closed')),
    CONSTRAINT valid_granted CHECK (granted_seconds > 0)
);

CREATE INDEX IF NOT EXISTS idx_sessions_child ON sessions(child_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_classroom ON sessions(classroom_id) WHERE state = 'active';

-- One live session per child at a time.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_child_active
    ON sessions(child_id) WHERE state = 'active';
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: SESSION AUTH TOKENS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
ALTER TABLE sessions ADD COLUMN IF NOT EXISTS auth_token VARCHAR(80) NOT NULL DEFAULT '';
`

var migrations = []struct {
	version int
	name    string
	up      string
}{
	{1, "create_children", migration001Up},
	{2, "create_sessions", migration002Up},
	{3, "session_auth_tokens", migration003Up},
}

// RunMigrations applies all pending migrations in order.
func RunMigrations(ctx context.Context, conn *Connection) error {
	const versionTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`
	if _, err := conn.Exec(ctx, versionTable); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		var applied bool
		err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
			m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("%w: check version %d: %v", ErrMigrationFailed, m.version, err)
		}
		if applied {
			continue
		}

		if _, err := conn.Exec(ctx, m.up); err != nil {
			return fmt.Errorf("%w: apply %s: %v", ErrMigrationFailed, m.name, err)
		}
		if _, err := conn.Exec(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name,
		); err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrMigrationFailed, m.name, err)
		}
	}
	return nil
}
