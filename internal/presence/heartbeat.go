package presence

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/pkg/socket"
)

const defaultHeartbeatInterval = 30 * time.Second

// Heartbeater sends a heartbeat to every open presence connection on a fixed
// interval and optionally closes connections that stopped answering.
type Heartbeater struct {
	registry   *Registry
	staleAfter time.Duration
	reset      chan time.Duration
	interval   time.Duration
}

// HeartbeaterOption configures a [Heartbeater].
type HeartbeaterOption func(*Heartbeater)

// WithStaleAfter closes connections whose last heartbeat_response is older
// than d. Zero disables the check.
func WithStaleAfter(d time.Duration) HeartbeaterOption {
	return func(h *Heartbeater) { h.staleAfter = d }
}

// NewHeartbeater returns a heartbeater for reg. A non-positive interval uses
// 30s.
func NewHeartbeater(reg *Registry, interval time.Duration, opts ...HeartbeaterOption) *Heartbeater {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	h := &Heartbeater{
		registry: reg,
		interval: interval,
		reset:    make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetInterval changes the tick interval of a running heartbeater. Non-positive
// values are ignored.
func (h *Heartbeater) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	// Replace any pending, not yet applied value.
	select {
	case <-h.reset:
	default:
	}
	h.reset <- d
}

// Run ticks until ctx is cancelled. It always returns nil.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-h.reset:
			ticker.Reset(d)
			slog.Info("heartbeat interval changed", "interval", d)
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick probes every open connection once. Connections past the stale
// threshold are closed instead; their sessions then deregister them.
func (h *Heartbeater) Tick(ctx context.Context) {
	now := time.Now()
	var g errgroup.Group
	g.SetLimit(h.registry.concurrency)
	for _, c := range h.registry.Connections() {
		if h.staleAfter > 0 && now.Sub(c.LastSeen()) > h.staleAfter {
			slog.Info("closing stale presence connection", "user_id", c.UserID, "conn_id", c.Link.ID(), "last_seen", c.LastSeen())
			_ = c.Link.Close(socket.StatusGoingAway, "heartbeat timeout")
			continue
		}
		g.Go(func() error {
			if err := h.registry.SendHeartbeat(ctx, c); err != nil {
				slog.Debug("heartbeat send failed", "user_id", c.UserID, "conn_id", c.Link.ID(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
