// Package app wires all callrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject collaborators via functional options (WithResolver,
// WithMetrics, etc.). The persistence backend and speech-to-text provider are
// always supplied by the caller through [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/auth"
	"github.com/MrWong99/callrelay/internal/callhub"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/presence"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/transcription"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/socket"
	"github.com/MrWong99/callrelay/pkg/store"
)

// Providers holds the externally constructed backends. STT may be nil, in
// which case transcription requests are answered with an "unavailable"
// status. Populated by main.go via the config registry.
type Providers struct {
	Store store.Store
	STT   stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	resolver       auth.Resolver
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Subsystems initialised in New, torn down in Shutdown.
	store       *resilience.GuardedStore
	health      *health.Handler
	calls       *callhub.Service
	presence    *presence.Service
	heartbeater *presence.Heartbeater
	server      *http.Server

	// sessionCtx is the base context of every socket session. Cancelling it
	// closes open sockets with 1001 and lets them flush.
	sessionCtx    context.Context
	stopSessions  context.CancelFunc
	activeSockets sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithResolver injects a token resolver instead of building a JWT resolver
// from config.
func WithResolver(r auth.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on the metrics path. Defaults to
// the Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel hands New the level variable behind the process logger so
// config reloads can adjust it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Store == nil {
		return nil, errors.New("app: a store is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	a.sessionCtx, a.stopSessions = context.WithCancel(context.WithoutCancel(ctx))

	// ── 1. Store ─────────────────────────────────────────────────────────
	a.initStore()

	// ── 2. Auth ──────────────────────────────────────────────────────────
	if err := a.initAuth(); err != nil {
		return nil, fmt.Errorf("app: init auth: %w", err)
	}

	// ── 3. Call signaling + transcription ────────────────────────────────
	a.initCalls()

	// ── 4. Presence ──────────────────────────────────────────────────────
	a.initPresence()

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.health = health.New(health.PingChecker("store", a.store))
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.sessionCtx },
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore puts the configured backend behind the write circuit breaker.
func (a *App) initStore() {
	metrics := a.metrics
	a.store = resilience.NewGuardedStore(a.providers.Store, resilience.CircuitBreakerConfig{
		Name:         "store",
		MaxFailures:  a.cfg.Store.BreakerMaxFailures,
		ResetTimeout: a.cfg.Store.BreakerResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	a.closers = append(a.closers, a.providers.Store.Close)
}

func (a *App) initAuth() error {
	if a.resolver != nil {
		return nil
	}
	var opts []auth.Option
	if a.cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(a.cfg.Auth.Issuer))
	}
	r, err := auth.NewJWTResolver(a.cfg.Auth.JWTSecret, opts...)
	if err != nil {
		return err
	}
	a.resolver = r
	return nil
}

func (a *App) initCalls() {
	reg := callhub.NewRegistry(
		callhub.WithBroadcastConcurrency(a.cfg.Transport.BroadcastConcurrency),
		callhub.WithMetrics(a.metrics),
	)
	opts := []callhub.ServiceOption{
		callhub.WithPersistTimeout(a.cfg.Transcription.PersistTimeout),
		callhub.WithServiceMetrics(a.metrics),
	}
	if a.providers.STT != nil {
		opts = append(opts, callhub.WithSTT(a.providers.STT, TranscriptionConfig(a.cfg.Transcription)))
	} else {
		slog.Warn("no STT provider configured; transcription requests will be refused")
	}
	a.calls = callhub.NewService(reg, a.resolver, a.store, a.store, opts...)
}

func (a *App) initPresence() {
	reg := presence.NewRegistry(a.store, a.store,
		presence.WithFanoutConcurrency(a.cfg.Transport.BroadcastConcurrency),
		presence.WithStoreTimeout(a.cfg.Transcription.PersistTimeout),
		presence.WithMetrics(a.metrics),
	)
	a.presence = presence.NewService(reg, a.resolver, a.metrics)

	var hbOpts []presence.HeartbeaterOption
	if a.cfg.Presence.StaleAfter > 0 {
		hbOpts = append(hbOpts, presence.WithStaleAfter(a.cfg.Presence.StaleAfter))
	}
	a.heartbeater = presence.NewHeartbeater(reg, a.cfg.Presence.HeartbeatInterval, hbOpts...)
}

// TranscriptionConfig converts the config section into a bridge config.
// The codec was checked by [config.Validate]; an unparseable value falls back
// to PCM16.
func TranscriptionConfig(c config.TranscriptionConfig) transcription.Config {
	codec, err := audio.ParseCodec(c.InputCodec)
	if err != nil {
		codec = audio.CodecPCM16
	}
	var keywords []stt.KeywordBoost
	for _, kw := range c.Keywords {
		keywords = append(keywords, stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost})
	}
	return transcription.Config{
		Language:     c.Language,
		Keywords:     keywords,
		Codec:        codec,
		Input:        audio.Format{SampleRate: c.InputSampleRate, Channels: c.InputChannels},
		Target:       audio.Format{SampleRate: c.SampleRate, Channels: c.Channels},
		DrainTimeout: c.DrainTimeout,
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: socket endpoints, health probes and
// the metrics endpoint, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/call/{callID}", a.serveCall)
	mux.HandleFunc("GET /ws/presence", a.servePresence)
	a.health.Register(mux)
	mux.Handle("GET "+a.cfg.Observe.MetricsPath, a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) socketOptions() socket.Options {
	return socket.Options{
		WriteTimeout:   a.cfg.Transport.WriteTimeout,
		ReadLimit:      a.cfg.Transport.ReadLimit,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	}
}

// accept upgrades r unless the server is draining. The caller must call
// a.activeSockets.Done when the returned link is finished.
func (a *App) accept(w http.ResponseWriter, r *http.Request) (*socket.WSLink, bool) {
	if a.health.Draining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return nil, false
	}
	link, err := socket.Accept(w, r, a.socketOptions())
	if err != nil {
		slog.Debug("websocket upgrade failed", "path", r.URL.Path, "err", err)
		return nil, false
	}
	a.activeSockets.Add(1)
	return link, true
}

func (a *App) serveCall(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseInt(r.PathValue("callID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	link, ok := a.accept(w, r)
	if !ok {
		return
	}
	defer a.activeSockets.Done()

	if err := a.calls.Serve(r.Context(), link, callID, r.URL.Query().Get("token")); err != nil {
		slog.Warn("call session ended with error", "call_id", callID, "conn_id", link.ID(), "err", err)
		_ = link.Close(socket.StatusInternalError, "internal error")
	}
}

func (a *App) servePresence(w http.ResponseWriter, r *http.Request) {
	link, ok := a.accept(w, r)
	if !ok {
		return
	}
	defer a.activeSockets.Done()

	if err := a.presence.Serve(r.Context(), link, r.URL.Query().Get("token")); err != nil {
		slog.Warn("presence session ended with error", "conn_id", link.ID(), "err", err)
		_ = link.Close(socket.StatusInternalError, "internal error")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address, serves HTTP and runs the heartbeat
// loop. It blocks until ctx is cancelled or the listener fails. When ctx is
// done, Run stops accepting connections and returns context.Canceled (or the
// underlying cause); open sockets are closed by Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		return a.heartbeater.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.stopServing(context.WithoutCancel(gctx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// stopServing marks the server as draining and closes the listener. Hijacked
// WebSocket connections are not affected.
func (a *App) stopServing(ctx context.Context) error {
	a.health.SetDraining()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: stop http server: %w", err)
	}
	return nil
}

// ApplyConfig reacts to a reloaded configuration. It is meant to be passed
// to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HeartbeatChanged {
		a.heartbeater.SetInterval(d.NewHeartbeatInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains open sockets and then tears down all subsystems. Sockets
// are closed with 1001 and given until ctx expires to flush transcripts;
// stragglers are then force-closed. If ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.health.SetDraining()
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		a.stopSessions()
		if !a.waitSockets(ctx) {
			slog.Warn("sockets did not drain before deadline; forcing close")
			a.calls.Registry().CloseAll(socket.StatusGoingAway, "server shutting down")
			a.presence.Registry().CloseAll(socket.StatusGoingAway, "server shutting down")
		}

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// waitSockets reports whether every socket handler returned before ctx ended.
func (a *App) waitSockets(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		a.activeSockets.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
