package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies connectivity, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// LoadCall implements [store.CallStore].
func (s *Store) LoadCall(ctx context.Context, callID int64) (store.Call, error) {
	const q = `
		SELECT id, user_id, COALESCE(caller_id, 0), COALESCE(callee_id, 0)
		FROM   calls
		WHERE  id = $1`

	var c store.Call
	err := s.pool.QueryRow(ctx, q, callID).Scan(&c.ID, &c.OwnerID, &c.CallerID, &c.CalleeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Call{}, fmt.Errorf("postgres store: load call %d: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return store.Call{}, fmt.Errorf("postgres store: load call %d: %w", callID, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT user_id FROM call_participants WHERE call_id = $1 ORDER BY user_id`, callID)
	if err != nil {
		return store.Call{}, fmt.Errorf("postgres store: load participants %d: %w", callID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return store.Call{}, fmt.Errorf("postgres store: scan participants %d: %w", callID, err)
	}
	c.Participants = ids
	return c, nil
}

// RelatedUsers implements [store.RelationGraph]. Both directions of the
// user_connections table are considered.
func (s *Store) RelatedUsers(ctx context.Context, userID int64) ([]int64, error) {
	const q = `
		SELECT connected_user_id FROM user_connections WHERE user_id = $1
		UNION
		SELECT user_id FROM user_connections WHERE connected_user_id = $1`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: related users %d: %w", userID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan related users %d: %w", userID, err)
	}
	return store.DedupeRelated(userID, ids), nil
}

// UpsertTranscript implements [store.TranscriptStore].
func (s *Store) UpsertTranscript(ctx context.Context, callID int64, text string) error {
	const q = `
		INSERT INTO transcripts (call_id, text)
		VALUES ($1, $2)
		ON CONFLICT (call_id) DO UPDATE
		SET text = EXCLUDED.text, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, callID, text); err != nil {
		return fmt.Errorf("postgres store: upsert transcript %d: %w", callID, err)
	}
	return nil
}

// SetPresence implements [store.PresenceStore].
func (s *Store) SetPresence(ctx context.Context, userID int64, online bool) error {
	const q = `
		INSERT INTO user_presence (user_id, is_online, last_seen)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET is_online = EXCLUDED.is_online, last_seen = now()`

	if _, err := s.pool.Exec(ctx, q, userID, online); err != nil {
		return fmt.Errorf("postgres store: set presence %d: %w", userID, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Seeding and read-back helpers
// ─────────────────────────────────────────────────────────────────────────────

// InsertCall writes c and its participants in one transaction. When c.ID is
// zero the database assigns one; the stored id is returned.
func (s *Store) InsertCall(ctx context.Context, c store.Call) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres store: insert call: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if c.ID == 0 {
		err = tx.QueryRow(ctx,
			`INSERT INTO calls (user_id, caller_id, callee_id) VALUES ($1, NULLIF($2, 0), NULLIF($3, 0)) RETURNING id`,
			c.OwnerID, c.CallerID, c.CalleeID).Scan(&id)
	} else {
		err = tx.QueryRow(ctx,
			`INSERT INTO calls (id, user_id, caller_id, callee_id) VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0)) RETURNING id`,
			c.ID, c.OwnerID, c.CallerID, c.CalleeID).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: insert call: %w", err)
	}

	for _, p := range c.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO call_participants (call_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, p); err != nil {
			return 0, fmt.Errorf("postgres store: insert participant %d: %w", p, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres store: insert call: commit: %w", err)
	}
	return id, nil
}

// AddRelation records a relation between two users.
func (s *Store) AddRelation(ctx context.Context, userID, connectedUserID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_connections (user_id, connected_user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, connectedUserID)
	if err != nil {
		return fmt.Errorf("postgres store: add relation: %w", err)
	}
	return nil
}

// Transcript returns the stored transcript of a call or an error wrapping
// [store.ErrNotFound].
func (s *Store) Transcript(ctx context.Context, callID int64) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT text FROM transcripts WHERE call_id = $1`, callID).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres store: transcript %d: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: transcript %d: %w", callID, err)
	}
	return text, nil
}

// Presence returns the stored online flag of a user or an error wrapping
// [store.ErrNotFound].
func (s *Store) Presence(ctx context.Context, userID int64) (bool, error) {
	var online bool
	err := s.pool.QueryRow(ctx, `SELECT is_online FROM user_presence WHERE user_id = $1`, userID).Scan(&online)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("postgres store: presence %d: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: presence %d: %w", userID, err)
	}
	return online, nil
}
