package presence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/auth"
	"github.com/MrWong99/callrelay/internal/wire"
	"github.com/MrWong99/callrelay/pkg/socket"
	socketmock "github.com/MrWong99/callrelay/pkg/socket/mock"
)

var tokenResolver = auth.ResolverFunc(func(_ context.Context, token string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(token, "tok-"), 10, 64)
	if err != nil || !strings.HasPrefix(token, "tok-") {
		return 0, auth.ErrInvalidToken
	}
	return id, nil
})

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func serve(svc *Service, ctx context.Context, l *socketmock.Link, token string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, l, token) }()
	return done
}

func result(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

func TestServe_InvalidToken(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	svc := NewService(reg, tokenResolver, testMetrics(t))
	l := socketmock.New("anon")

	err := svc.Serve(context.Background(), l, "nope")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Serve error = %v, want %v", err, auth.ErrInvalidToken)
	}
	if code, _ := l.CloseStatus(); code != socket.StatusPolicyViolation {
		t.Errorf("close code = %d, want %d", code, socket.StatusPolicyViolation)
	}
	if reg.OnlineUsers() != 0 || st.CallCount("SetPresence") != 0 {
		t.Error("unauthenticated connection changed presence")
	}
}

func TestServe_DisconnectMessage(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	st.Relate(1, 2)
	svc := NewService(reg, tokenResolver, testMetrics(t))
	ctx := context.Background()

	watcher := socketmock.New("watcher")
	watcherDone := serve(svc, ctx, watcher, "tok-2")
	waitFor(t, "watcher online", func() bool { return reg.Online(2) })

	l := socketmock.New("alice")
	l.PushJSON(map[string]string{"type": wire.TypeHeartbeatResponse})
	l.PushJSON(map[string]string{"type": "unknown"})
	l.PushJSON(map[string]string{"type": wire.TypeDisconnect})
	if err := result(t, serve(svc, ctx, l, "tok-1")); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if code, _ := l.CloseStatus(); code != socket.StatusNormalClosure {
		t.Errorf("close code = %d, want %d", code, socket.StatusNormalClosure)
	}
	if reg.Online(1) {
		t.Error("user still online after disconnect")
	}

	waitFor(t, "offline update", func() bool { return len(presenceUpdates(watcher)) == 2 })
	got := presenceUpdates(watcher)
	if !got[0].IsOnline || got[1].IsOnline || got[0].UserID != 1 {
		t.Errorf("watcher updates = %v, want online then offline for user 1", got)
	}

	watcher.Hangup()
	result(t, watcherDone)
}

func TestServe_HangupDeregistersOnce(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	svc := NewService(reg, tokenResolver, testMetrics(t))

	l := socketmock.New("alice")
	done := serve(svc, context.Background(), l, "tok-1")
	waitFor(t, "online", func() bool { return reg.Online(1) })

	l.Hangup()
	if err := result(t, done); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if reg.Online(1) {
		t.Error("user still online after hangup")
	}
	if n := st.CallCount("SetPresence"); n != 2 {
		t.Errorf("SetPresence calls = %d, want 2 (online, offline)", n)
	}
}

func TestServe_HeartbeatResponseTouches(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	svc := NewService(reg, tokenResolver, testMetrics(t))

	l := socketmock.New("alice")
	done := serve(svc, context.Background(), l, "tok-1")
	waitFor(t, "online", func() bool { return reg.Online(1) })

	conn := reg.Connections()[0]
	before := conn.LastSeen()
	time.Sleep(5 * time.Millisecond)
	l.PushJSON(map[string]string{"type": wire.TypeHeartbeatResponse})
	waitFor(t, "touch", func() bool { return conn.LastSeen().After(before) })

	l.Hangup()
	result(t, done)
}

func TestServe_MalformedJSON(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	svc := NewService(reg, tokenResolver, testMetrics(t))

	l := socketmock.New("alice")
	l.Push([]byte("not json"))
	err := result(t, serve(svc, context.Background(), l, "tok-1"))
	if !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("Serve error = %v, want %v", err, wire.ErrMalformed)
	}
	if code, _ := l.CloseStatus(); code != socket.StatusInvalidPayload {
		t.Errorf("close code = %d, want %d", code, socket.StatusInvalidPayload)
	}
	if reg.Online(1) {
		t.Error("user still online after protocol error")
	}
}

func TestServe_ContextCancel(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	svc := NewService(reg, tokenResolver, testMetrics(t))

	ctx, cancel := context.WithCancel(context.Background())
	l := socketmock.New("alice")
	done := serve(svc, ctx, l, "tok-1")
	waitFor(t, "online", func() bool { return reg.Online(1) })

	cancel()
	if err := result(t, done); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if code, _ := l.CloseStatus(); code != socket.StatusGoingAway {
		t.Errorf("close code = %d, want %d", code, socket.StatusGoingAway)
	}
	if online, _ := st.Presence(1); online {
		t.Error("offline transition not recorded after cancellation")
	}
}
