package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/callrelay/pkg/store"
)

// GuardedStore wraps a [store.Store] so that transcript and presence writes
// pass through a circuit breaker. When the database is down, writes fail fast
// with [ErrCircuitOpen] instead of each socket loop waiting out its own
// timeout. Reads are forwarded unchanged.
type GuardedStore struct {
	store.Store
	breaker *CircuitBreaker
}

var _ store.Store = (*GuardedStore)(nil)

// NewGuardedStore wraps s. [store.ErrNotFound] never counts as a failure.
func NewGuardedStore(s store.Store, cfg CircuitBreakerConfig) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return DefaultIsFailure(err) && !errors.Is(err, store.ErrNotFound)
		}
	}
	return &GuardedStore{Store: s, breaker: NewCircuitBreaker(cfg)}
}

// Breaker exposes the write breaker, e.g. for health reporting.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.breaker }

// UpsertTranscript implements [store.TranscriptStore].
func (g *GuardedStore) UpsertTranscript(ctx context.Context, callID int64, text string) error {
	return g.breaker.Execute(func() error {
		return g.Store.UpsertTranscript(ctx, callID, text)
	})
}

// SetPresence implements [store.PresenceStore].
func (g *GuardedStore) SetPresence(ctx context.Context, userID int64, online bool) error {
	return g.breaker.Execute(func() error {
		return g.Store.SetPresence(ctx, userID, online)
	})
}
