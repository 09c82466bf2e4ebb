// Package mock provides an in-memory [socket.Link] for tests.
//
// Tests feed inbound messages with [Link.Push] and simulate a remote hang-up
// with [Link.Hangup]. Everything written by the code under test is recorded
// and can be inspected with [Link.Sent].
//
// Example:
//
//	l := mock.New("alice-tab-1")
//	l.PushJSON(map[string]any{"type": "offer", "sdp": "v=0"})
//	l.Hangup()
//	go session.Serve(ctx, l)
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/callrelay/pkg/socket"
)

// Ensure Link implements socket.Link at compile time.
var _ socket.Link = (*Link)(nil)

// Link is a mock implementation of socket.Link.
type Link struct {
	id      string
	inbound chan []byte
	hangup  chan struct{}
	closed  chan struct{}

	hangupOnce sync.Once
	closeOnce  sync.Once

	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call. The message is not
	// recorded in that case.
	SendErr error

	// OnSend, if non-nil, is invoked at the start of every Send call with the
	// message about to be sent. It runs without the mock's lock held.
	OnSend func(msg []byte)

	sent        [][]byte
	closeCode   socket.StatusCode
	closeReason string
	closeCalls  int
}

// New creates a Link with the given identifier and an inbound buffer of 64
// messages.
func New(id string) *Link {
	return &Link{
		id:      id,
		inbound: make(chan []byte, 64),
		hangup:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// ID returns the identifier passed to New.
func (l *Link) ID() string { return l.id }

// Push enqueues a raw inbound message.
func (l *Link) Push(msg []byte) { l.inbound <- msg }

// PushJSON marshals v and enqueues it as an inbound message. It panics if v
// cannot be marshalled, which only happens with broken test fixtures.
func (l *Link) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic("mock: marshal inbound message: " + err.Error())
	}
	l.Push(data)
}

// Hangup simulates the remote peer closing the connection. Messages pushed
// before Hangup are still delivered by Receive.
func (l *Link) Hangup() {
	l.hangupOnce.Do(func() { close(l.hangup) })
}

// Send records msg unless SendErr is set or the link is closed.
func (l *Link) Send(_ context.Context, msg []byte) error {
	l.mu.Lock()
	hook := l.OnSend
	l.mu.Unlock()
	if hook != nil {
		hook(msg)
	}

	select {
	case <-l.closed:
		return socket.ErrClosed
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	l.sent = append(l.sent, cp)
	return nil
}

// Receive returns queued inbound messages first, then blocks until a new
// message, Hangup, Close, or ctx cancellation.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-l.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-l.inbound:
		return msg, nil
	case <-l.hangup:
		return nil, socket.ErrClosed
	case <-l.closed:
		return nil, socket.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close records the status code and reason of the first call.
func (l *Link) Close(code socket.StatusCode, reason string) error {
	l.mu.Lock()
	l.closeCalls++
	l.mu.Unlock()
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closeCode = code
		l.closeReason = reason
		l.mu.Unlock()
		close(l.closed)
	})
	return nil
}

// Sent returns a copy of every recorded outbound message in send order.
func (l *Link) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentCount returns the number of recorded outbound messages.
func (l *Link) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// SentOfType decodes every recorded message and returns those whose "type"
// field equals typ, as generic maps.
func (l *Link) SentOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, raw := range l.Sent() {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// CloseStatus returns the status code and reason of the first Close call.
func (l *Link) CloseStatus() (socket.StatusCode, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCode, l.closeReason
}

// Done returns a channel closed when Close is first called.
func (l *Link) Done() <-chan struct{} { return l.closed }
