// Package store defines the persistence collaborators of the relay: call
// lookup for participation checks, the user relation graph used for presence
// fan-out, transcript persistence, and presence bookkeeping.
//
// The interfaces are deliberately narrow so that the socket layer never
// depends on a particular database. Two backends ship with the module:
// [github.com/MrWong99/callrelay/pkg/store/postgres] for production and
// [github.com/MrWong99/callrelay/pkg/store/sqlite] for single-node
// deployments and local development.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned by lookups when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Call is the subset of a call record the relay needs to authorise a
// connection.
type Call struct {
	// ID is the call's primary key.
	ID int64

	// OwnerID is the user who created the call.
	OwnerID int64

	// CallerID and CalleeID identify the two primary parties. Zero means unset.
	CallerID int64
	CalleeID int64

	// Participants lists the users with an explicit participant record.
	Participants []int64
}

// HasParticipant reports whether userID may join the call: the owner, the
// caller, the callee, or any explicit participant.
func (c Call) HasParticipant(userID int64) bool {
	if userID == 0 {
		return false
	}
	if userID == c.OwnerID || userID == c.CallerID || userID == c.CalleeID {
		return true
	}
	return slices.Contains(c.Participants, userID)
}

// CallStore resolves calls by id.
type CallStore interface {
	// LoadCall returns the call with the given id or an error wrapping
	// [ErrNotFound].
	LoadCall(ctx context.Context, callID int64) (Call, error)
}

// RelationGraph answers "who is related to this user" for presence fan-out.
// Relations are undirected: an edge recorded as (a, b) relates b to a as well.
type RelationGraph interface {
	// RelatedUsers returns the distinct ids of every user related to userID.
	// The order is unspecified.
	RelatedUsers(ctx context.Context, userID int64) ([]int64, error)
}

// TranscriptStore persists finished transcripts. There is at most one
// transcript per call: a second write for the same call replaces the text.
type TranscriptStore interface {
	UpsertTranscript(ctx context.Context, callID int64, text string) error
}

// PresenceStore records the durable online flag of a user.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID int64, online bool) error
}

// Store bundles every collaborator with lifecycle management. Both shipped
// backends implement it.
type Store interface {
	CallStore
	RelationGraph
	TranscriptStore
	PresenceStore

	// Ping verifies the backend is reachable. Used by the readiness probe.
	Ping(ctx context.Context) error

	// Close releases all resources held by the backend.
	Close() error
}

// DedupeRelated folds the two directions of the relation table into one set,
// dropping self-references. Backends use it to post-process query results.
func DedupeRelated(userID int64, ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == userID || id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
