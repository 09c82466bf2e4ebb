// Package transcription bridges one call connection's audio to a streaming
// speech-to-text session.
//
// A [Bridge] normalises inbound audio frames, forwards them to an
// [stt.SessionHandle], and turns the engine's partial and final results into a
// single ordered [Event] stream for the owning session goroutine. Final
// segments are buffered so that [Bridge.Close] can return the full transcript
// for persistence.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/audio/opus"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
)

// ErrClosed is returned by [Bridge.Push] after Close.
var ErrClosed = errors.New("transcription: bridge closed")

const (
	defaultDrainTimeout = 3 * time.Second
	eventBuffer         = 64
)

// Config selects the inbound audio encoding and the STT stream format.
type Config struct {
	// Language is passed to the STT provider. Empty lets it auto-detect.
	Language string

	// Keywords are vocabulary hints passed to the STT provider.
	Keywords []stt.KeywordBoost

	// Codec is the encoding of inbound audio payloads. Empty means PCM16.
	Codec audio.Codec

	// Input is the decoded format of inbound audio. Zero fields default to
	// the corresponding Target field.
	Input audio.Format

	// Target is the PCM format sent to the STT provider. Default 16 kHz mono.
	Target audio.Format

	// DrainTimeout bounds how long Close waits for the provider to deliver
	// its last results. Default 3s.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Target.SampleRate == 0 {
		c.Target.SampleRate = 16000
	}
	if c.Target.Channels == 0 {
		c.Target.Channels = 1
	}
	if c.Input.SampleRate == 0 {
		c.Input.SampleRate = c.Target.SampleRate
	}
	if c.Input.Channels == 0 {
		c.Input.Channels = c.Target.Channels
	}
	if c.Codec == "" {
		c.Codec = audio.CodecPCM16
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
}

// Event is one recognition result, partial or final.
type Event struct {
	Text    string
	IsFinal bool
}

// Bridge is one open transcription session. Push may be called from any
// goroutine; Events must have a single consumer.
type Bridge struct {
	sess  stt.SessionHandle
	drain time.Duration

	pushMu sync.Mutex
	pipe   *audio.Pipeline

	segMu    sync.Mutex
	segments []string

	events   chan Event
	closing  chan struct{}
	abandon  chan struct{}
	pumpDone chan struct{}

	closeOnce sync.Once
	text      string
	closeErr  error
}

// Open starts an STT stream on p and returns a bridge feeding it.
func Open(ctx context.Context, p stt.Provider, cfg Config) (*Bridge, error) {
	cfg.applyDefaults()

	dec, err := newDecoder(cfg.Codec, cfg.Input)
	if err != nil {
		return nil, fmt.Errorf("transcription: open: %w", err)
	}
	pipe, err := audio.NewPipeline(dec, cfg.Input, cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("transcription: open: %w", err)
	}

	sess, err := p.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.Target.SampleRate,
		Channels:   cfg.Target.Channels,
		Language:   cfg.Language,
		Keywords:   cfg.Keywords,
	})
	if err != nil {
		return nil, fmt.Errorf("transcription: start stream: %w", err)
	}

	b := &Bridge{
		sess:     sess,
		drain:    cfg.DrainTimeout,
		pipe:     pipe,
		events:   make(chan Event, eventBuffer),
		closing:  make(chan struct{}),
		abandon:  make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

func newDecoder(codec audio.Codec, in audio.Format) (audio.Decoder, error) {
	switch codec {
	case audio.CodecPCM16:
		return audio.PCM16{}, nil
	case audio.CodecOpus:
		return opus.NewDecoder(in)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// Push decodes one inbound audio payload and forwards it to the engine.
func (b *Bridge) Push(payload []byte) error {
	select {
	case <-b.closing:
		return ErrClosed
	default:
	}

	b.pushMu.Lock()
	pcm, err := b.pipe.Process(payload)
	b.pushMu.Unlock()
	if err != nil {
		return fmt.Errorf("transcription: push: %w", err)
	}
	if len(pcm) == 0 {
		return nil
	}
	if err := b.sess.SendAudio(pcm); err != nil {
		if errors.Is(err, stt.ErrSessionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transcription: push: %w", err)
	}
	return nil
}

// Events returns the result stream. It is closed once the engine has
// finished delivering results, and at the latest when Close returns. Results
// the engine flushes during Close are delivered too, so the consumer must keep
// reading while Close runs or the drain timeout will cut the stream short.
func (b *Bridge) Events() <-chan Event { return b.events }

// Segments returns a copy of the final segments received so far.
func (b *Bridge) Segments() []string {
	b.segMu.Lock()
	defer b.segMu.Unlock()
	out := make([]string, len(b.segments))
	copy(out, b.segments)
	return out
}

// Close ends the engine session, waits up to the drain timeout for late
// finals, and returns the final segments joined with single spaces. Later
// calls return the same result.
func (b *Bridge) Close() (string, error) {
	b.closeOnce.Do(func() {
		close(b.closing)
		if err := b.sess.Close(); err != nil {
			b.closeErr = fmt.Errorf("transcription: close: %w", err)
		}

		timer := time.NewTimer(b.drain)
		defer timer.Stop()
		select {
		case <-b.pumpDone:
		case <-timer.C:
			close(b.abandon)
			<-b.pumpDone
		}

		b.text = strings.Join(b.Segments(), " ")
	})
	return b.text, b.closeErr
}

// pump merges the provider's result channels into events until both close.
func (b *Bridge) pump() {
	defer close(b.pumpDone)
	defer close(b.events)

	partials := b.sess.Partials()
	finals := b.sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-b.abandon:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			b.emit(Event{Text: t.Text})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			b.segMu.Lock()
			b.segments = append(b.segments, text)
			b.segMu.Unlock()
			b.emit(Event{Text: text, IsFinal: true})
		}
	}
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.abandon:
	}
}
