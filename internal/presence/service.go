package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/callrelay/internal/auth"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/wire"
	"github.com/MrWong99/callrelay/pkg/socket"
)

// Service runs presence sessions on the presence endpoint.
type Service struct {
	registry *Registry
	resolver auth.Resolver
	metrics  *observe.Metrics
}

// NewService returns a presence service. A nil metrics uses
// [observe.DefaultMetrics].
func NewService(reg *Registry, resolver auth.Resolver, metrics *observe.Metrics) *Service {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Service{registry: reg, resolver: resolver, metrics: metrics}
}

// Registry returns the registry sessions connect to.
func (s *Service) Registry() *Registry { return s.registry }

// Serve authenticates token, registers the connection, and consumes
// heartbeat responses until the client sends disconnect, the peer goes away,
// or ctx is cancelled. The connection is deregistered exactly once on every
// exit path, and link is closed before Serve returns.
func (s *Service) Serve(ctx context.Context, link socket.Link, token string) error {
	userID, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		s.metrics.RecordAuthFailure(ctx, "presence", "invalid_token")
		_ = link.Close(socket.StatusPolicyViolation, "authentication failed")
		return fmt.Errorf("presence: %w", err)
	}

	ctx, span, log := observe.StartConnSpan(ctx, "presence", userID, 0)
	defer span.End()
	log = log.With("conn_id", link.ID())

	conn := NewConn(userID, link)
	s.registry.Connect(ctx, userID, conn)
	log.Info("presence connection opened")
	defer func() {
		s.registry.Disconnect(context.WithoutCancel(ctx), userID, conn)
		log.Info("presence connection closed")
	}()

	for {
		msg, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = link.Close(socket.StatusGoingAway, "server shutting down")
				return nil
			}
			_ = link.Close(socket.StatusNormalClosure, "")
			if errors.Is(err, socket.ErrClosed) {
				return nil
			}
			return fmt.Errorf("presence: receive: %w", err)
		}

		typ, err := wire.Peek(msg)
		if err != nil {
			log.Warn("closing presence connection", "err", err)
			_ = link.Close(socket.StatusInvalidPayload, "invalid message")
			return fmt.Errorf("presence: %w", err)
		}

		switch typ {
		case wire.TypeHeartbeatResponse:
			conn.Touch()
		case wire.TypeDisconnect:
			_ = link.Close(socket.StatusNormalClosure, "")
			return nil
		default:
			log.Debug("ignoring unknown message type", "type", typ)
		}
	}
}
