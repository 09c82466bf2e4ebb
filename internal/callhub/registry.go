// Package callhub relays WebRTC signaling, audio frames and live transcripts
// between the participants of a call.
//
// A [Registry] tracks which connections are currently joined to which call.
// A [Service] runs one signaling session per connection: it checks that the
// user may take part in the call, registers the connection, relays every
// message it receives to the other members, and optionally bridges the
// connection's audio to a speech-to-text engine.
package callhub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/socket"
)

const defaultBroadcastConcurrency = 16

// Member is one connection joined to a call.
type Member struct {
	CallID int64
	UserID int64
	Link   socket.Link
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithBroadcastConcurrency bounds the number of parallel sends per broadcast.
// Values below 1 are ignored.
func WithBroadcastConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 1 {
			r.concurrency = n
		}
	}
}

// WithMetrics sets the metrics the registry reports to. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps call IDs to the set of members currently joined. A call
// entry exists only while it has at least one member. Safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	calls map[int64]map[*Member]struct{}

	concurrency int
	metrics     *observe.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		calls:       make(map[int64]map[*Member]struct{}),
		concurrency: defaultBroadcastConcurrency,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Join adds m to callID, creating the call entry if needed. Joining the same
// member twice is a no-op.
func (r *Registry) Join(callID int64, m *Member) {
	r.mu.Lock()
	members, ok := r.calls[callID]
	if !ok {
		members = make(map[*Member]struct{})
		r.calls[callID] = members
	}
	_, dup := members[m]
	members[m] = struct{}{}
	r.mu.Unlock()

	ctx := context.Background()
	if !ok {
		r.metrics.ActiveCalls.Add(ctx, 1)
	}
	if !dup {
		r.metrics.CallMembers.Add(ctx, 1)
	}
}

// Leave removes m from callID and deletes the entry when it becomes empty.
// Leaving a call the member is not part of is a no-op.
func (r *Registry) Leave(callID int64, m *Member) {
	r.mu.Lock()
	members, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	_, present := members[m]
	delete(members, m)
	emptied := len(members) == 0
	if emptied {
		delete(r.calls, callID)
	}
	r.mu.Unlock()

	ctx := context.Background()
	if present {
		r.metrics.CallMembers.Add(ctx, -1)
	}
	if emptied {
		r.metrics.ActiveCalls.Add(ctx, -1)
	}
}

// Members returns a snapshot of the members of callID.
func (r *Registry) Members(callID int64) []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.calls[callID]
	out := make([]*Member, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}

// Calls returns the number of calls with at least one member.
func (r *Registry) Calls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Broadcast sends msg to every member of callID except exclude, which may be
// nil. Recipients are taken from a snapshot, so members that join or leave
// during delivery do not affect it. Send failures are counted but never
// remove a member. It returns the number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, callID int64, msg []byte, exclude *Member) int {
	start := time.Now()
	targets := r.Members(callID)

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, m := range targets {
		if m == exclude {
			continue
		}
		g.Go(func() error {
			if err := m.Link.Send(ctx, msg); err != nil {
				failed.Add(1)
				observe.Logger(ctx).Debug("call broadcast: send failed",
					"call_id", callID, "user_id", m.UserID, "conn_id", m.Link.ID(), "err", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.RecordDeliveryFailures(ctx, "call", int(failed.Load()))
	r.metrics.BroadcastDuration.Record(ctx, time.Since(start).Seconds())
	return int(delivered.Load())
}

// CloseAll closes every member's link with code. Members leave the registry
// as their sessions observe the close.
func (r *Registry) CloseAll(code socket.StatusCode, reason string) {
	r.mu.RLock()
	var links []socket.Link
	for _, members := range r.calls {
		for m := range members {
			links = append(links, m.Link)
		}
	}
	r.mu.RUnlock()

	for _, l := range links {
		_ = l.Close(code, reason)
	}
}
