// Package presence tracks which users are online and tells related users
// when that changes.
//
// A user is online while at least one presence connection is open for them.
// The [Registry] turns connection churn into edge-triggered transitions: the
// first connection flips the user online and the last disconnect flips them
// offline, each exactly once, and every connection of every related user
// that is currently online receives a presence_update. A [Service] runs the
// per-connection loop on the presence endpoint, and a [Heartbeater] probes
// open connections on a fixed interval.
package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/wire"
	"github.com/MrWong99/callrelay/pkg/socket"
	"github.com/MrWong99/callrelay/pkg/store"
)

const (
	defaultFanoutConcurrency = 16
	defaultStoreTimeout      = 5 * time.Second
)

// Conn is one open presence connection.
type Conn struct {
	UserID int64
	Link   socket.Link

	lastSeen atomic.Int64
}

// NewConn returns a connection whose last-seen time is now.
func NewConn(userID int64, link socket.Link) *Conn {
	c := &Conn{UserID: userID, Link: link}
	c.Touch()
	return c
}

// Touch records a liveness acknowledgement.
func (c *Conn) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the most recent Touch.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Option configures a [Registry].
type Option func(*Registry)

// WithFanoutConcurrency bounds the number of parallel sends per
// notification. Values below 1 are ignored.
func WithFanoutConcurrency(n int) Option {
	return func(r *Registry) {
		if n >= 1 {
			r.concurrency = n
		}
	}
}

// WithStoreTimeout bounds each presence write and relation lookup. Default 5s.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// WithMetrics sets the metrics the registry reports to. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps user ids to their open presence connections. A user entry
// exists only while it has at least one connection. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[*Conn]struct{}

	// transitions serialises Connect and Disconnect per user so that an
	// online notification is never overtaken by the matching offline one.
	transitions *keyedMutex

	relations store.RelationGraph
	presence  store.PresenceStore

	concurrency  int
	storeTimeout time.Duration
	metrics      *observe.Metrics
}

// NewRegistry returns an empty registry. relations drives notification
// fan-out; presence receives the durable online flag.
func NewRegistry(relations store.RelationGraph, presence store.PresenceStore, opts ...Option) *Registry {
	r := &Registry{
		users:        make(map[int64]map[*Conn]struct{}),
		transitions:  newKeyedMutex(),
		relations:    relations,
		presence:     presence,
		concurrency:  defaultFanoutConcurrency,
		storeTimeout: defaultStoreTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Connect registers conn for userID. It reports whether this was the user's
// first connection, in which case the user is marked online and related
// users are notified.
func (r *Registry) Connect(ctx context.Context, userID int64, conn *Conn) bool {
	unlock := r.transitions.Lock(userID)
	defer unlock()

	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[*Conn]struct{})
		r.users[userID] = conns
	}
	_, dup := conns[conn]
	conns[conn] = struct{}{}
	r.mu.Unlock()

	if !dup {
		r.metrics.PresenceConnections.Add(ctx, 1)
	}
	if ok {
		return false
	}
	r.transition(ctx, userID, true)
	return true
}

// Disconnect removes conn. It reports whether this was the user's last
// connection, in which case the user is marked offline and related users are
// notified. Removing an unknown connection is a no-op.
func (r *Registry) Disconnect(ctx context.Context, userID int64, conn *Conn) bool {
	unlock := r.transitions.Lock(userID)
	defer unlock()

	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	_, present := conns[conn]
	delete(conns, conn)
	emptied := len(conns) == 0
	if emptied {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	if present {
		r.metrics.PresenceConnections.Add(ctx, -1)
	}
	if !emptied {
		return false
	}
	r.transition(ctx, userID, false)
	return true
}

// transition records and announces an online/offline edge. The caller holds
// the user's transition lock.
func (r *Registry) transition(ctx context.Context, userID int64, online bool) {
	delta := int64(1)
	if !online {
		delta = -1
	}
	r.metrics.OnlineUsers.Add(ctx, delta)
	r.metrics.RecordPresenceTransition(ctx, online)

	log := observe.Logger(ctx).With("user_id", userID, "online", online)
	log.Info("presence changed")

	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	err := r.presence.SetPresence(sctx, userID, online)
	cancel()
	if err != nil {
		r.metrics.RecordPersistenceError(ctx, "set_presence")
		log.Error("failed to record presence", "err", err)
	}

	r.Notify(ctx, userID, online)
}

// Notify sends a presence_update about userID to every connection of every
// related user that is online. Failures are counted and otherwise ignored.
// It returns the number of successful deliveries.
func (r *Registry) Notify(ctx context.Context, userID int64, online bool) int {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	related, err := r.relations.RelatedUsers(sctx, userID)
	cancel()
	if err != nil {
		observe.Logger(ctx).Warn("presence notify: related users lookup failed", "user_id", userID, "err", err)
		return 0
	}
	related = store.DedupeRelated(userID, related)

	var targets []*Conn
	r.mu.RLock()
	for _, id := range related {
		for c := range r.users[id] {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	msg, err := wire.Marshal(wire.NewPresenceUpdate(userID, online))
	if err != nil {
		observe.Logger(ctx).Error("presence notify: encode", "err", err)
		return 0
	}
	return r.fanout(ctx, targets, msg)
}

// SendToUser delivers msg to every connection of userID and reports whether
// at least one delivery succeeded.
func (r *Registry) SendToUser(ctx context.Context, userID int64, msg []byte) bool {
	return r.fanout(ctx, r.conns(userID), msg) > 0
}

// SendHeartbeat sends a heartbeat probe on conn.
func (r *Registry) SendHeartbeat(ctx context.Context, conn *Conn) error {
	return socket.SendJSON(ctx, conn.Link, wire.NewHeartbeat())
}

// Online reports whether userID has at least one open connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Connections returns a snapshot of every open connection.
func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, conns := range r.users {
		for c := range conns {
			out = append(out, c)
		}
	}
	return out
}

// CloseAll closes every connection's link with code.
func (r *Registry) CloseAll(code socket.StatusCode, reason string) {
	for _, c := range r.Connections() {
		_ = c.Link.Close(code, reason)
	}
}

func (r *Registry) conns(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.users[userID]))
	for c := range r.users[userID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) fanout(ctx context.Context, targets []*Conn, msg []byte) int {
	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, c := range targets {
		g.Go(func() error {
			if err := c.Link.Send(ctx, msg); err != nil {
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	r.metrics.RecordDeliveryFailures(ctx, "presence", int(failed.Load()))
	return int(delivered.Load())
}
