// Package sqlite provides an embedded [store.Store] backed by a single SQLite
// database file, using the pure-Go modernc.org/sqlite driver.
//
// It is intended for single-node deployments and local development; the
// schema mirrors the PostgreSQL backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/callrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    caller_id   INTEGER,
    callee_id   INTEGER,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS call_participants (
    call_id     INTEGER NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    user_id     INTEGER NOT NULL,
    joined_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (call_id, user_id)
);

CREATE TABLE IF NOT EXISTS user_connections (
    user_id            INTEGER NOT NULL,
    connected_user_id  INTEGER NOT NULL,
    created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, connected_user_id)
);

CREATE INDEX IF NOT EXISTS idx_user_connections_connected
    ON user_connections (connected_user_id);

CREATE TABLE IF NOT EXISTS user_presence (
    user_id     INTEGER PRIMARY KEY,
    is_online   INTEGER NOT NULL DEFAULT 0,
    last_seen   DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transcripts (
    call_id     INTEGER PRIMARY KEY REFERENCES calls (id) ON DELETE CASCADE,
    text        TEXT NOT NULL,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the SQLite-backed [store.Store].
type Store struct {
	db *sql.DB
}

// Open opens or creates the database file at path and applies the schema.
// The parent directory is created if missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite serialises writers; one connection also keeps the pragmas below
	// in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: configure: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadCall implements [store.CallStore].
func (s *Store) LoadCall(ctx context.Context, callID int64) (store.Call, error) {
	var c store.Call
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, COALESCE(caller_id, 0), COALESCE(callee_id, 0) FROM calls WHERE id = ?`,
		callID).Scan(&c.ID, &c.OwnerID, &c.CallerID, &c.CalleeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Call{}, fmt.Errorf("sqlite store: load call %d: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return store.Call{}, fmt.Errorf("sqlite store: load call %d: %w", callID, err)
	}

	ids, err := s.queryIDs(ctx,
		`SELECT user_id FROM call_participants WHERE call_id = ? ORDER BY user_id`, callID)
	if err != nil {
		return store.Call{}, fmt.Errorf("sqlite store: load participants %d: %w", callID, err)
	}
	c.Participants = ids
	return c, nil
}

// RelatedUsers implements [store.RelationGraph].
func (s *Store) RelatedUsers(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT connected_user_id FROM user_connections WHERE user_id = ?1
		UNION
		SELECT user_id FROM user_connections WHERE connected_user_id = ?1`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: related users %d: %w", userID, err)
	}
	return store.DedupeRelated(userID, ids), nil
}

// UpsertTranscript implements [store.TranscriptStore].
func (s *Store) UpsertTranscript(ctx context.Context, callID int64, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (call_id, text) VALUES (?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			text = excluded.text,
			updated_at = CURRENT_TIMESTAMP`, callID, text)
	if err != nil {
		return fmt.Errorf("sqlite store: upsert transcript %d: %w", callID, err)
	}
	return nil
}

// SetPresence implements [store.PresenceStore].
func (s *Store) SetPresence(ctx context.Context, userID int64, online bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, is_online, last_seen) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen = CURRENT_TIMESTAMP`, userID, online)
	if err != nil {
		return fmt.Errorf("sqlite store: set presence %d: %w", userID, err)
	}
	return nil
}

// InsertCall writes c and its participants in one transaction and returns the
// stored id.
func (s *Store) InsertCall(ctx context.Context, c store.Call) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: insert call: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if c.ID == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO calls (user_id, caller_id, callee_id) VALUES (?, NULLIF(?, 0), NULLIF(?, 0))`,
			c.OwnerID, c.CallerID, c.CalleeID)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO calls (id, user_id, caller_id, callee_id) VALUES (?, ?, NULLIF(?, 0), NULLIF(?, 0))`,
			c.ID, c.OwnerID, c.CallerID, c.CalleeID)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite store: insert call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite store: insert call: id: %w", err)
	}

	for _, p := range c.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO call_participants (call_id, user_id) VALUES (?, ?)`, id, p); err != nil {
			return 0, fmt.Errorf("sqlite store: insert participant %d: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite store: insert call: commit: %w", err)
	}
	return id, nil
}

// AddRelation records a relation between two users.
func (s *Store) AddRelation(ctx context.Context, userID, connectedUserID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_connections (user_id, connected_user_id) VALUES (?, ?)`,
		userID, connectedUserID); err != nil {
		return fmt.Errorf("sqlite store: add relation: %w", err)
	}
	return nil
}

// Transcript returns the stored transcript of a call.
func (s *Store) Transcript(ctx context.Context, callID int64) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM transcripts WHERE call_id = ?`, callID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite store: transcript %d: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store: transcript %d: %w", callID, err)
	}
	return text, nil
}

// Presence returns the stored online flag of a user.
func (s *Store) Presence(ctx context.Context, userID int64) (bool, error) {
	var online bool
	err := s.db.QueryRowContext(ctx, `SELECT is_online FROM user_presence WHERE user_id = ?`, userID).Scan(&online)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sqlite store: presence %d: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite store: presence %d: %w", userID, err)
	}
	return online, nil
}

func (s *Store) queryIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
