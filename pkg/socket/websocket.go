package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// Compile-time interface assertion.
var _ Link = (*WSLink)(nil)

// Options configures a [WSLink].
type Options struct {
	// WriteTimeout bounds every Send. Zero selects 5s.
	WriteTimeout time.Duration

	// ReadLimit is the maximum size of one inbound message in bytes. Audio
	// frames arrive base64-encoded, so the default is a generous 1 MiB.
	ReadLimit int64

	// OriginPatterns lists the host patterns accepted for cross-origin
	// upgrades. Empty means same-origin only.
	OriginPatterns []string
}

func (o *Options) applyDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
}

// WSLink implements [Link] over a coder/websocket connection.
type WSLink struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept upgrades the HTTP request to a WebSocket connection and wraps it in a
// [WSLink]. On failure Accept has already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*WSLink, error) {
	opts.applyDefaults()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("socket: accept: %w", err)
	}
	return NewWSLink(conn, opts), nil
}

// NewWSLink wraps an established connection. The link takes ownership of conn.
func NewWSLink(conn *websocket.Conn, opts Options) *WSLink {
	opts.applyDefaults()
	conn.SetReadLimit(opts.ReadLimit)
	return &WSLink{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		closed:       make(chan struct{}),
	}
}

// ID returns the random connection identifier assigned at construction.
func (l *WSLink) ID() string { return l.id }

// Send writes msg as a text frame. A write that exceeds the write timeout
// causes coder/websocket to tear the connection down, which in turn ends the
// peer's own receive loop.
func (l *WSLink) Send(ctx context.Context, msg []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := l.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("socket: write: %w", err)
	}
	return nil
}

// Receive reads the next text or binary message.
func (l *WSLink) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, ErrClosed
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("socket: read: %w", err)
	}
	return data, nil
}

// Close sends a close frame with code and reason and releases the connection.
func (l *WSLink) Close(code StatusCode, reason string) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close(websocket.StatusCode(code), reason)
		if websocket.CloseStatus(err) != -1 {
			// The peer answered with its own close frame; that is a clean close.
			err = nil
		}
	})
	return err
}
