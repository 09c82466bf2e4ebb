package presence

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/wire"
	"github.com/MrWong99/callrelay/pkg/socket"
	socketmock "github.com/MrWong99/callrelay/pkg/socket/mock"
)

func TestHeartbeater_TickProbesEveryConnection(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, aLink := newConn(1, 1)
	b, bLink := newConn(1, 2)
	c, cLink := newConn(2, 1)
	for _, conn := range []*Conn{a, b, c} {
		r.Connect(ctx, conn.UserID, conn)
	}

	NewHeartbeater(r, time.Hour).Tick(ctx)

	for _, l := range []*socketmock.Link{aLink, bLink, cLink} {
		if got := len(l.SentOfType(wire.TypeHeartbeat)); got != 1 {
			t.Errorf("%s heartbeats = %d, want 1", l.ID(), got)
		}
	}
}

func TestHeartbeater_ClosesStaleConnections(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	fresh, freshLink := newConn(1, 1)
	stale, staleLink := newConn(2, 1)
	stale.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())
	r.Connect(ctx, 1, fresh)
	r.Connect(ctx, 2, stale)

	NewHeartbeater(r, time.Hour, WithStaleAfter(10*time.Second)).Tick(ctx)

	if code, _ := staleLink.CloseStatus(); !staleLink.Closed() || code != socket.StatusGoingAway {
		t.Errorf("stale link closed=%v code=%d, want closed with %d", staleLink.Closed(), code, socket.StatusGoingAway)
	}
	if len(staleLink.SentOfType(wire.TypeHeartbeat)) != 0 {
		t.Error("stale connection was probed")
	}
	if freshLink.Closed() || len(freshLink.SentOfType(wire.TypeHeartbeat)) != 1 {
		t.Error("fresh connection was not probed")
	}
}

func TestHeartbeater_RunTicksAndStops(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, l := newConn(1, 1)
	r.Connect(ctx, 1, c)

	h := NewHeartbeater(r, time.Hour)
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	h.SetInterval(5 * time.Millisecond)
	waitFor(t, "heartbeats", func() bool { return len(l.SentOfType(wire.TypeHeartbeat)) >= 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewHeartbeater_DefaultInterval(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	if h := NewHeartbeater(r, 0); h.interval != defaultHeartbeatInterval {
		t.Errorf("interval = %v, want %v", h.interval, defaultHeartbeatInterval)
	}
}
