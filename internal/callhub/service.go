package callhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callrelay/internal/auth"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/transcription"
	"github.com/MrWong99/callrelay/internal/wire"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/socket"
	"github.com/MrWong99/callrelay/pkg/store"
)

// ErrNotParticipant is returned by [Service.Authorize] when the call does not
// exist or the user is not one of its parties.
var ErrNotParticipant = errors.New("callhub: user is not a participant of the call")

// Status messages sent to the requester of a transcription control message.
const (
	StatusTranscriptionStarted     = "Transcription started"
	StatusTranscriptionActive      = "Transcription already active"
	StatusTranscriptionUnavailable = "Transcription unavailable"
	StatusTranscriptionFailed      = "Failed to start transcription"
	StatusTranscriptionStopped     = "Transcription stopped"
	StatusTranscriptSaveFailed     = "Failed to save transcript"
)

const defaultPersistTimeout = 5 * time.Second

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithSTT enables transcription using p. Without a provider,
// start_transcription is answered with [StatusTranscriptionUnavailable].
func WithSTT(p stt.Provider, cfg transcription.Config) ServiceOption {
	return func(s *Service) {
		s.stt = p
		s.tcfg = cfg
	}
}

// WithPersistTimeout bounds each transcript write. Default 5s.
func WithPersistTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithServiceMetrics sets the metrics the service reports to. Defaults to
// [observe.DefaultMetrics].
func WithServiceMetrics(m *observe.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// Service runs signaling sessions on the call endpoint.
type Service struct {
	registry    *Registry
	resolver    auth.Resolver
	calls       store.CallStore
	transcripts store.TranscriptStore

	stt            stt.Provider
	tcfg           transcription.Config
	persistTimeout time.Duration
	metrics        *observe.Metrics
}

// NewService wires a signaling service to its collaborators.
func NewService(reg *Registry, resolver auth.Resolver, calls store.CallStore, transcripts store.TranscriptStore, opts ...ServiceOption) *Service {
	s := &Service{
		registry:       reg,
		resolver:       resolver,
		calls:          calls,
		transcripts:    transcripts,
		persistTimeout: defaultPersistTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Registry returns the registry sessions join.
func (s *Service) Registry() *Registry { return s.registry }

// Authorize checks that userID may join callID. A missing call and a
// non-participant both yield an error wrapping [ErrNotParticipant]; lookup
// failures are returned as-is.
func (s *Service) Authorize(ctx context.Context, callID, userID int64) error {
	call, err := s.calls.LoadCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: call %d not found", ErrNotParticipant, callID)
	}
	if err != nil {
		return fmt.Errorf("callhub: load call %d: %w", callID, err)
	}
	if !call.HasParticipant(userID) {
		return fmt.Errorf("%w: user %d, call %d", ErrNotParticipant, userID, callID)
	}
	return nil
}

// Serve authenticates token, checks participation, and then relays messages
// for link until the peer disconnects or ctx is cancelled. Serve always
// closes link before returning. It returns nil for an orderly disconnect.
func (s *Service) Serve(ctx context.Context, link socket.Link, callID int64, token string) error {
	userID, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		s.metrics.RecordAuthFailure(ctx, "call", "invalid_token")
		_ = link.Close(socket.StatusPolicyViolation, "authentication failed")
		return fmt.Errorf("callhub: %w", err)
	}
	if err := s.Authorize(ctx, callID, userID); err != nil {
		if errors.Is(err, ErrNotParticipant) {
			s.metrics.RecordAuthFailure(ctx, "call", "not_participant")
			_ = link.Close(socket.StatusPolicyViolation, "not a participant")
		} else {
			_ = link.Close(socket.StatusInternalError, "call lookup failed")
		}
		return err
	}

	ctx, span, log := observe.StartConnSpan(ctx, "call", userID, callID)
	defer span.End()
	log = log.With("conn_id", link.ID())

	sess := &session{
		svc:    s,
		member: &Member{CallID: callID, UserID: userID, Link: link},
		log:    log,
	}
	return sess.run(ctx)
}

// ─── Session ─────────────────────────────────────────────────────────────────

// errProtocol marks inbound messages that end the session with 1007.
var errProtocol = errors.New("callhub: protocol error")

type inbound struct {
	msg []byte
	err error
}

// session is one joined call connection. All of its state is owned by the
// goroutine running run.
type session struct {
	svc    *Service
	member *Member
	log    *slog.Logger

	bridge *transcription.Bridge
}

func (s *session) run(ctx context.Context) error {
	reg := s.svc.registry
	reg.Join(s.member.CallID, s.member)
	s.log.Info("call member joined")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		reg.Leave(s.member.CallID, s.member)
		s.flushOnDisconnect(ctx)
		s.log.Info("call member left")
	}()

	recv := make(chan inbound)
	go func() {
		for {
			msg, err := s.member.Link.Receive(ctx)
			select {
			case recv <- inbound{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var events <-chan transcription.Event
		if s.bridge != nil {
			events = s.bridge.Events()
		}

		select {
		case <-ctx.Done():
			_ = s.member.Link.Close(socket.StatusGoingAway, "server shutting down")
			return nil

		case in := <-recv:
			if in.err != nil {
				if ctx.Err() != nil {
					_ = s.member.Link.Close(socket.StatusGoingAway, "server shutting down")
					return nil
				}
				_ = s.member.Link.Close(socket.StatusNormalClosure, "")
				if errors.Is(in.err, socket.ErrClosed) {
					return nil
				}
				return fmt.Errorf("callhub: receive: %w", in.err)
			}
			if err := s.handle(ctx, in.msg); err != nil {
				s.log.Warn("closing call connection", "err", err)
				_ = s.member.Link.Close(socket.StatusInvalidPayload, "invalid message")
				return err
			}

		case ev, ok := <-events:
			if !ok {
				s.log.Warn("transcription stream ended by provider")
				s.endTranscription(ctx, "ended")
				continue
			}
			s.broadcastTranscript(ctx, ev)
		}
	}
}

func (s *session) handle(ctx context.Context, msg []byte) error {
	typ, err := wire.Peek(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", errProtocol, err)
	}

	switch typ {
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeICECandidate:
		s.relay(ctx, typ, msg)

	case wire.TypeAudio:
		s.relay(ctx, typ, msg)
		if s.bridge != nil {
			return s.pushAudio(msg)
		}

	case wire.TypeStartTranscription:
		s.startTranscription(ctx)

	case wire.TypeStopTranscription:
		s.stopTranscription(ctx)

	default:
		s.log.Debug("ignoring unknown message type", "type", typ)
	}
	return nil
}

func (s *session) relay(ctx context.Context, typ string, msg []byte) {
	s.svc.registry.Broadcast(ctx, s.member.CallID, msg, s.member)
	s.svc.metrics.RecordRelayed(ctx, typ)
}

func (s *session) pushAudio(msg []byte) error {
	data, err := wire.DecodeAudio(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", errProtocol, err)
	}
	if err := s.bridge.Push(data); err != nil {
		s.log.Debug("dropping audio frame", "err", err)
	}
	return nil
}

func (s *session) startTranscription(ctx context.Context) {
	switch {
	case s.bridge != nil:
		s.sendStatus(ctx, StatusTranscriptionActive)
		return
	case s.svc.stt == nil:
		s.sendStatus(ctx, StatusTranscriptionUnavailable)
		return
	}

	start := time.Now()
	b, err := transcription.Open(ctx, s.svc.stt, s.svc.tcfg)
	s.svc.metrics.STTStartDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.log.Error("failed to start transcription", "err", err)
		s.sendStatus(ctx, StatusTranscriptionFailed)
		return
	}
	s.bridge = b
	s.svc.metrics.TranscriptionSessions.Add(ctx, 1)
	s.log.Info("transcription started")
	s.sendStatus(ctx, StatusTranscriptionStarted)
}

func (s *session) stopTranscription(ctx context.Context) {
	if s.bridge == nil {
		return
	}
	s.endTranscription(ctx, "stop")
}

// endTranscription closes the bridge, persists its transcript and reports
// the outcome to the requester.
func (s *session) endTranscription(ctx context.Context, trigger string) {
	text := s.closeBridge(ctx)
	if err := s.persist(ctx, text, trigger); err != nil {
		s.sendStatus(ctx, StatusTranscriptSaveFailed)
		return
	}
	s.sendStatus(ctx, StatusTranscriptionStopped)
}

// flushOnDisconnect persists an open bridge's segments once the connection
// is gone. It runs detached from ctx so that shutdown does not lose them.
func (s *session) flushOnDisconnect(ctx context.Context) {
	if s.bridge == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	text := s.closeBridge(ctx)
	_ = s.persist(ctx, text, "disconnect")
}

// closeBridge closes and clears the bridge and returns its transcript.
// Results the engine delivers while draining are broadcast before it returns.
func (s *session) closeBridge(ctx context.Context) string {
	b := s.bridge
	s.bridge = nil

	type closed struct {
		text string
		err  error
	}
	done := make(chan closed, 1)
	go func() {
		text, err := b.Close()
		done <- closed{text, err}
	}()
	for ev := range b.Events() {
		s.broadcastTranscript(ctx, ev)
	}
	res := <-done

	if res.err != nil {
		s.log.Warn("transcription close error", "err", res.err)
	}
	s.svc.metrics.TranscriptionSessions.Add(ctx, -1)
	return res.text
}

// persist upserts text for the session's call. Empty transcripts are not
// written.
func (s *session) persist(ctx context.Context, text, trigger string) error {
	if text == "" {
		s.log.Debug("no final segments, skipping transcript write", "trigger", trigger)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.svc.persistTimeout)
	defer cancel()

	if err := s.svc.transcripts.UpsertTranscript(ctx, s.member.CallID, text); err != nil {
		s.svc.metrics.RecordPersistenceError(ctx, "upsert_transcript")
		s.log.Error("failed to save transcript", "trigger", trigger, "err", err)
		return err
	}
	s.svc.metrics.RecordTranscriptPersisted(ctx, trigger)
	s.log.Info("transcript saved", "trigger", trigger, "chars", len(text))
	return nil
}

func (s *session) broadcastTranscript(ctx context.Context, ev transcription.Event) {
	msg, err := wire.Marshal(wire.NewTranscript(ev.Text, ev.IsFinal))
	if err != nil {
		s.log.Error("encode transcript", "err", err)
		return
	}
	s.svc.registry.Broadcast(ctx, s.member.CallID, msg, nil)
}

func (s *session) sendStatus(ctx context.Context, message string) {
	if err := socket.SendJSON(ctx, s.member.Link, wire.NewStatus(message)); err != nil {
		s.log.Debug("status send failed", "err", err)
	}
}
