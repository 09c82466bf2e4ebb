// Package socket defines [Link], the transport-neutral view of one live
// bidirectional message connection, and [WSLink], its implementation on top of
// github.com/coder/websocket.
//
// Registries and sessions only ever talk to a Link. This keeps the relay and
// presence logic testable with the in-memory double in socket/mock and leaves
// the choice of wire transport to the HTTP layer.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by [Link.Receive] when the peer closed the connection
// cleanly, and by [Link.Send] after the link has been closed.
var ErrClosed = errors.New("socket: link closed")

// StatusCode is a WebSocket close status code (RFC 6455 §7.4).
type StatusCode int

const (
	// StatusNormalClosure signals an orderly shutdown.
	StatusNormalClosure StatusCode = 1000

	// StatusGoingAway signals that the server is shutting down.
	StatusGoingAway StatusCode = 1001

	// StatusInvalidPayload signals a message that could not be decoded.
	StatusInvalidPayload StatusCode = 1007

	// StatusPolicyViolation signals a failed authentication or authorisation
	// check.
	StatusPolicyViolation StatusCode = 1008

	// StatusInternalError signals an unexpected server-side failure.
	StatusInternalError StatusCode = 1011
)

// Link is one bidirectional, message-oriented connection.
//
// Send and Close must be safe for concurrent use: a link is written to by its
// own session goroutine and by broadcasts originating from other sessions.
// Receive is only ever called from the owning session goroutine.
type Link interface {
	// ID returns a process-unique identifier used for logging.
	ID() string

	// Send delivers one message. Implementations bound the write with their
	// own timeout so that a stalled peer cannot block the caller indefinitely.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next message arrives, the peer disconnects, or
	// ctx is done. A clean remote close is reported as [ErrClosed].
	Receive(ctx context.Context) ([]byte, error)

	// Close terminates the connection with the given status code. Calling
	// Close more than once is safe; later calls return nil.
	Close(code StatusCode, reason string) error
}

// SendJSON marshals v and sends the result on l.
func SendJSON(ctx context.Context, l Link, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("socket: marshal: %w", err)
	}
	return l.Send(ctx, data)
}
