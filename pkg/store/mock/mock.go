// Package mock provides an in-memory test double for [store.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	s := mock.New()
//	s.AddCall(store.Call{ID: 1, OwnerID: 10, CalleeID: 11})
//	s.Relate(10, 11)
//
//	// inject s into the system under test …
//
//	if got := s.CallCount("UpsertTranscript"); got != 1 {
//	    t.Errorf("expected 1 UpsertTranscript call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/callrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory [store.Store].
type Store struct {
	mu sync.Mutex

	calls []Call

	callsByID   map[int64]store.Call
	relations   map[int64]map[int64]struct{}
	transcripts map[int64]string
	presence    map[int64]bool

	// LoadCallErr is returned by LoadCall when non-nil.
	LoadCallErr error

	// RelatedUsersErr is returned by RelatedUsers when non-nil.
	RelatedUsersErr error

	// UpsertTranscriptErr is returned by UpsertTranscript when non-nil. The
	// transcript is not stored in that case.
	UpsertTranscriptErr error

	// SetPresenceErr is returned by SetPresence when non-nil.
	SetPresenceErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		callsByID:   make(map[int64]store.Call),
		relations:   make(map[int64]map[int64]struct{}),
		transcripts: make(map[int64]string),
		presence:    make(map[int64]bool),
	}
}

// AddCall seeds a call record.
func (m *Store) AddCall(c store.Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callsByID[c.ID] = c
}

// Relate records an undirected relation between a and b.
func (m *Store) Relate(a, b int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		set, ok := m.relations[pair[0]]
		if !ok {
			set = make(map[int64]struct{})
			m.relations[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

// Transcript returns the stored transcript of a call.
func (m *Store) Transcript(callID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.transcripts[callID]
	return text, ok
}

// Presence returns the last online flag written for a user.
func (m *Store) Presence(userID int64) (online, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	online, ok = m.presence[userID]
	return online, ok
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or response
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// LoadCall implements [store.CallStore].
func (m *Store) LoadCall(_ context.Context, callID int64) (store.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "LoadCall", Args: []any{callID}})
	if m.LoadCallErr != nil {
		return store.Call{}, m.LoadCallErr
	}
	c, ok := m.callsByID[callID]
	if !ok {
		return store.Call{}, fmt.Errorf("mock store: load call %d: %w", callID, store.ErrNotFound)
	}
	return c, nil
}

// RelatedUsers implements [store.RelationGraph].
func (m *Store) RelatedUsers(_ context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RelatedUsers", Args: []any{userID}})
	if m.RelatedUsersErr != nil {
		return nil, m.RelatedUsersErr
	}
	out := make([]int64, 0, len(m.relations[userID]))
	for id := range m.relations[userID] {
		out = append(out, id)
	}
	return out, nil
}

// UpsertTranscript implements [store.TranscriptStore].
func (m *Store) UpsertTranscript(_ context.Context, callID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertTranscript", Args: []any{callID, text}})
	if m.UpsertTranscriptErr != nil {
		return m.UpsertTranscriptErr
	}
	m.transcripts[callID] = text
	return nil
}

// SetPresence implements [store.PresenceStore].
func (m *Store) SetPresence(_ context.Context, userID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetPresence", Args: []any{userID, online}})
	if m.SetPresenceErr != nil {
		return m.SetPresenceErr
	}
	m.presence[userID] = online
	return nil
}

// Ping implements [store.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [store.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	return nil
}
