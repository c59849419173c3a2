package postgres

import (
	"context"
	"fmt"
)

// schemaDDL creates the four tables on first boot. Messages cascade-delete
// with their conversation; a partial unique index keeps at most one active
// thread binding per session.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		session_id TEXT UNIQUE,
		current_pass INT NOT NULL DEFAULT 1,
		first_pass_completed BOOLEAN NOT NULL DEFAULT FALSE,
		second_pass_started_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS person_models (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL UNIQUE REFERENCES conversations(id) ON DELETE CASCADE,
		data_model JSONB NOT NULL,
		missing_topics JSONB NOT NULL DEFAULT '[]',
		follow_up_questions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_threads (
		session_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_threads_active
		ON session_threads (session_id) WHERE is_active`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
