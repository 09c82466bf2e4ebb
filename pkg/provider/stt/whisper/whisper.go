// Package whisper provides an STT provider backed by a self-hosted
// whisper.cpp server (POST /inference).
//
// whisper.cpp transcribes complete clips, not streams. A session buffers the
// inbound PCM, cuts it into utterances with an energy-based silence detector,
// and submits each utterance as one inference request. Every recognised
// utterance is emitted as a partial and then as a final with the same text, so
// callers see the same event shape as with a true streaming engine.
//
// Usage:
//
//	p, err := whisper.New("http://whisper.internal:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilence(500*time.Millisecond),
//	)
//	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/provider/stt"
)

const (
	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second
	defaultHTTPTimeout  = 30 * time.Second

	// defaultRMSThreshold is the energy (in PCM16 units) below which a chunk
	// counts as silence.
	defaultRMSThreshold = 300.0

	audioQueue   = 256
	resultBuffer = 64
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty uses the
// model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when the stream config leaves it
// empty. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps how much audio is buffered before a flush is forced
// during continuous speech.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithRMSThreshold overrides the silence energy threshold.
func WithRMSThreshold(v float64) Option {
	return func(p *Provider) { p.rmsThreshold = v }
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements [stt.Provider] against a whisper.cpp server. Sessions
// are independent; each owns its buffer and goroutine.
type Provider struct {
	serverURL    string
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	rmsThreshold float64
	httpClient   *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	p := &Provider{
		serverURL:    serverURL,
		language:     defaultLanguage,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		rmsThreshold: defaultRMSThreshold,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No network traffic happens until the first
// utterance is complete. Keyword hints are ignored; whisper.cpp has no
// boosting API.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	if cfg.Language == "" {
		cfg.Language = p.language
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	s := &session{
		p:        p,
		cfg:      cfg,
		audio:    make(chan []byte, audioQueue),
		partials: make(chan stt.Transcript, resultBuffer),
		finals:   make(chan stt.Transcript, resultBuffer),
		done:     make(chan struct{}),
		log:      slog.With("stt", "whisper", "server", p.serverURL),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

// ─── session ─────────────────────────────────────────────────────────────────

// session implements [stt.SessionHandle]. Buffer state is confined to loop.
type session struct {
	p   *Provider
	cfg stt.StreamConfig
	log *slog.Logger

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close stops accepting audio, transcribes whatever speech is still buffered
// and then closes both result channels.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// segmenter cuts the audio stream into utterances. It is owned by loop.
type segmenter struct {
	s        *session
	f        format
	maxBytes int

	pcm       []byte
	hasSpeech bool
	silence   time.Duration
}

func (g *segmenter) reset() {
	g.pcm, g.hasSpeech, g.silence = nil, false, 0
}

// add feeds one chunk through the silence detector.
func (g *segmenter) add(ctx context.Context, chunk []byte) {
	if rms(chunk) < g.s.p.rmsThreshold {
		// Leading silence is dropped.
		if !g.hasSpeech {
			return
		}
		g.pcm = append(g.pcm, chunk...)
		g.silence += g.f.duration(len(chunk))
		if g.silence >= g.s.p.silence {
			g.flush(ctx)
		}
		return
	}
	g.hasSpeech = true
	g.silence = 0
	g.pcm = append(g.pcm, chunk...)
	if g.maxBytes > 0 && len(g.pcm) >= g.maxBytes {
		g.flush(ctx)
	}
}

// flush transcribes the buffered utterance, if it contains speech.
func (g *segmenter) flush(ctx context.Context) {
	if !g.hasSpeech {
		g.reset()
		return
	}
	pcm := g.pcm
	g.reset()

	start := time.Now()
	text, err := g.s.infer(ctx, pcm)
	if err != nil {
		g.s.log.Warn("inference failed", "err", err, "bytes", len(pcm))
		return
	}
	d := g.f.duration(len(pcm))
	g.s.log.Debug("utterance transcribed", "duration", d, "latency", time.Since(start))
	if text == "" {
		return
	}
	g.s.emit(stt.Transcript{Text: text, Duration: d})
}

func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	f := format{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
	g := &segmenter{s: s, f: f, maxBytes: f.bytesFor(s.p.maxUtterance)}

	for {
		select {
		case <-ctx.Done():
			s.finish(ctx, g)
			return
		case <-s.done:
			s.finish(ctx, g)
			return
		case chunk := <-s.audio:
			g.add(ctx, chunk)
		}
	}
}

// finish consumes chunks accepted before Close and transcribes the remainder.
// It must outlive a cancelled stream context.
func (s *session) finish(ctx context.Context, g *segmenter) {
	timeout := s.p.httpClient.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	for {
		select {
		case chunk := <-s.audio:
			g.add(ctx, chunk)
		default:
			g.flush(ctx)
			return
		}
	}
}

// emit delivers one utterance as a partial followed by a final. Results are
// dropped only if the consumer has stopped reading entirely.
func (s *session) emit(t stt.Transcript) {
	partial, final := t, t
	final.IsFinal = true
	for _, out := range []struct {
		ch chan stt.Transcript
		t  stt.Transcript
	}{{s.partials, partial}, {s.finals, final}} {
		select {
		case out.ch <- out.t:
		default:
			s.log.Warn("result buffer full; dropping transcript", "final", out.t.IsFinal)
		}
	}
}

// infer uploads pcm as a WAV file and returns the recognised text.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, s.cfg.SampleRate, s.cfg.Channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	fields := map[string]string{
		"language":        s.cfg.Language,
		"model":           s.p.model,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
