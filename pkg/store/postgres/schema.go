// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] on top of a single [pgxpool.Pool].
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	call, err := s.LoadCall(ctx, 42)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Calls and participants
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     BIGINT       NOT NULL,
    caller_id   BIGINT,
    callee_id   BIGINT,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS call_participants (
    call_id     BIGINT       NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    user_id     BIGINT       NOT NULL,
    joined_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (call_id, user_id)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Relations and presence
// ─────────────────────────────────────────────────────────────────────────────

const ddlRelations = `
CREATE TABLE IF NOT EXISTS user_connections (
    user_id            BIGINT       NOT NULL,
    connected_user_id  BIGINT       NOT NULL,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, connected_user_id)
);

CREATE INDEX IF NOT EXISTS idx_user_connections_connected
    ON user_connections (connected_user_id);

CREATE TABLE IF NOT EXISTS user_presence (
    user_id     BIGINT       PRIMARY KEY,
    is_online   BOOLEAN      NOT NULL DEFAULT false,
    last_seen   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    call_id     BIGINT       PRIMARY KEY REFERENCES calls (id) ON DELETE CASCADE,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all required tables. It is idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlRelations, ddlTranscripts} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
