// Package stt defines the Provider interface for streaming speech-to-text
// engines.
//
// A provider opens a [SessionHandle] that accepts raw PCM audio and emits two
// streams of [Transcript] values: low-latency partials that may still change,
// and finals the engine has committed to. Only finals are part of a stored
// transcript.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag (e.g., "en-US"). Empty lets the
	// provider auto-detect, if supported.
	Language string

	// Keywords are vocabulary hints for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle is one open streaming session.
//
// Callers must call Close when done. After Close returns, no further values
// are sent on Partials or Finals and both channels are closed once the
// provider has drained. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of 16-bit little-endian PCM matching the
	// StreamConfig. Returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider opens streaming sessions. Implementations must support several
// concurrent sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
