// Command callrelay is the main entry point for the call signaling and
// presence server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/callrelay/internal/app"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/pkg/provider/stt"
	"github.com/MrWong99/callrelay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callrelay/pkg/provider/stt/whisper"
	"github.com/MrWong99/callrelay/pkg/store"
	"github.com/MrWong99/callrelay/pkg/store/postgres"
	"github.com/MrWong99/callrelay/pkg/store/sqlite"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("callrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := telemetry.Metrics()
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithLogLevel(logLevel),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		providers.Store.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the STT providers and store drivers that ship with
// callrelay into reg.
func registerBuiltins(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if s := optString(entry.Options, "silence"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("whisper: option silence: %w", err)
			}
			opts = append(opts, whisper.WithSilence(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Stores ────────────────────────────────────────────────────────────────

	reg.RegisterStore(config.StorePostgres, func(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
		return postgres.NewStore(ctx, cfg.DSN)
	})

	reg.RegisterStore(config.StoreSQLite, func(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
		return sqlite.Open(ctx, cfg.DSN)
	})

	for _, name := range config.ValidSTTProviders {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders opens the store and instantiates the STT provider chain
// named in cfg.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	st, err := reg.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	ps.Store = st
	slog.Info("store opened", "driver", cfg.Store.Driver)

	if cfg.Providers.STT.Name == "" {
		return ps, nil
	}

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if len(cfg.Providers.STTFallbacks) == 0 {
		ps.STT = primary
		return ps, nil
	}

	chain := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("stt circuit breaker state change", "provider", name, "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	for i, entry := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		chain.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
		slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
	}
	ps.STT = chain
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        callrelay: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Store", string(cfg.Store.Driver))
	sttName := cfg.Providers.STT.Name
	if sttName == "" {
		sttName = "(not configured)"
	} else if m := cfg.Providers.STT.Model; m != "" {
		sttName += " / " + m
	}
	printRow("STT", sttName)
	printRow("STT fallbacks", fmt.Sprint(len(cfg.Providers.STTFallbacks)))
	printRow("Input codec", cfg.Transcription.InputCodec)
	printRow("Heartbeat", cfg.Presence.HeartbeatInterval.String())
	tls := "(disabled)"
	if cfg.Server.TLS != nil {
		tls = "enabled"
	}
	printRow("TLS", tls)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
