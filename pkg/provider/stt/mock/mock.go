// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to emit controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EmitFinal("hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new Session from NewSession, which can be retrieved with
	// LastSession.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	last stt.SessionHandle
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		p.last = p.Session
		return p.Session, nil
	}
	p.last = NewSession()
	return p.last, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastSession returns the handle returned by the most recent successful
// StartStream, or nil.
func (p *Provider) LastSession() stt.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
//
// Transcripts are emitted with EmitPartial and EmitFinal. Close closes both
// result channels after emitting any FlushOnClose finals, mirroring an engine
// that commits its buffered audio when the stream ends.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// FlushOnClose lists final texts emitted during the first Close call,
	// before the result channels are closed.
	FlushOnClose []string

	// HoldOpen, when true, makes Close leave the result channels open so that
	// callers can exercise their drain timeout.
	HoldOpen bool

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose result channels buffer 64 values each.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// EmitPartial sends an interim transcript. It is a no-op after Close.
func (s *Session) EmitPartial(text string) {
	s.emit(s.partials, stt.Transcript{Text: text})
}

// EmitFinal sends a committed transcript. It is a no-op after Close.
func (s *Session) EmitFinal(text string) {
	s.emit(s.finals, stt.Transcript{Text: text, IsFinal: true})
}

func (s *Session) emit(ch chan stt.Transcript, t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ch <- t
}

// SendAudio records the call and returns SendAudioErr, or
// stt.ErrSessionClosed after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Partials returns the interim result channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the committed result channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// SendAudioCallCount returns the number of recorded SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Close records the call, flushes FlushOnClose and closes the result
// channels on the first call, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return s.CloseErr
	}
	s.closed = true
	for _, text := range s.FlushOnClose {
		s.finals <- stt.Transcript{Text: text, IsFinal: true}
	}
	if !s.HoldOpen {
		close(s.partials)
		close(s.finals)
	}
	return s.CloseErr
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
