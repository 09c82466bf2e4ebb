package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// ValidSTTProviders lists the speech-to-text provider names shipped with the
// server. Used by [Validate] to warn about unrecognised names.
var ValidSTTProviders = []string{"deepgram", "whisper"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr           = ":8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReadLimit            = 1 << 20
	DefaultBroadcastConcurrency = 16
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultSampleRate           = 16000
	DefaultChannels             = 1
	DefaultPersistTimeout       = 5 * time.Second
	DefaultDrainTimeout         = 3 * time.Second
	DefaultBreakerMaxFailures   = 5
	DefaultBreakerResetTimeout  = 30 * time.Second
	DefaultMetricsPath          = "/metrics"
	DefaultServiceName          = "callrelay"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes parses an in-memory config file.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setDefault(&cfg.Store.BreakerMaxFailures, DefaultBreakerMaxFailures)
	setDefault(&cfg.Store.BreakerResetTimeout, DefaultBreakerResetTimeout)

	setDefault(&cfg.Transport.WriteTimeout, DefaultWriteTimeout)
	setDefault(&cfg.Transport.ReadLimit, DefaultReadLimit)
	setDefault(&cfg.Transport.BroadcastConcurrency, DefaultBroadcastConcurrency)

	setDefault(&cfg.Presence.HeartbeatInterval, DefaultHeartbeatInterval)

	t := &cfg.Transcription
	setDefault(&t.SampleRate, DefaultSampleRate)
	setDefault(&t.Channels, DefaultChannels)
	setDefault(&t.InputCodec, string(audio.CodecPCM16))
	setDefault(&t.InputSampleRate, t.SampleRate)
	setDefault(&t.InputChannels, t.Channels)
	setDefault(&t.PersistTimeout, DefaultPersistTimeout)
	setDefault(&t.DrainTimeout, DefaultDrainTimeout)

	setDefault(&cfg.Observe.ServiceName, DefaultServiceName)
	setDefault(&cfg.Observe.MetricsPath, DefaultMetricsPath)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls requires both cert_file and key_file")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout must not be negative")
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		add("auth.jwt_secret is required")
	}

	// Store
	switch {
	case cfg.Store.Driver == "":
		add("store.driver is required; valid values: postgres, sqlite")
	case !cfg.Store.Driver.IsValid():
		add("store.driver %q is invalid; valid values: postgres, sqlite", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		add("store.dsn is required")
	}
	if cfg.Store.BreakerMaxFailures < 0 {
		add("store.breaker_max_failures must not be negative")
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			add("providers.stt_fallbacks[%d].name is required", i)
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		add("providers.stt_fallbacks requires providers.stt")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; live transcription will be unavailable")
	}

	// Transport
	if cfg.Transport.WriteTimeout < 0 {
		add("transport.write_timeout must not be negative")
	}
	if cfg.Transport.ReadLimit < 0 {
		add("transport.read_limit must not be negative")
	}
	if cfg.Transport.BroadcastConcurrency < 0 {
		add("transport.broadcast_concurrency must not be negative")
	}

	// Presence
	if cfg.Presence.HeartbeatInterval < 0 {
		add("presence.heartbeat_interval must not be negative")
	}
	if cfg.Presence.StaleAfter != 0 && cfg.Presence.StaleAfter <= cfg.Presence.HeartbeatInterval {
		add("presence.stale_after (%s) must exceed presence.heartbeat_interval (%s)",
			cfg.Presence.StaleAfter, cfg.Presence.HeartbeatInterval)
	}

	// Transcription
	t := cfg.Transcription
	codec, err := audio.ParseCodec(t.InputCodec)
	if err != nil {
		add("transcription.input_codec: %w", err)
	}
	for name, v := range map[string]int{
		"sample_rate":       t.SampleRate,
		"channels":          t.Channels,
		"input_sample_rate": t.InputSampleRate,
		"input_channels":    t.InputChannels,
	} {
		if v < 0 {
			add("transcription.%s must not be negative", name)
		}
	}
	if codec == audio.CodecOpus {
		switch t.InputSampleRate {
		case 0, 8000, 12000, 16000, 24000, 48000:
		default:
			add("transcription.input_sample_rate %d is not supported by opus; valid values: 8000, 12000, 16000, 24000, 48000", t.InputSampleRate)
		}
		if t.InputChannels > 2 {
			add("transcription.input_channels %d is not supported by opus; valid values: 1, 2", t.InputChannels)
		}
	}
	for i, kw := range t.Keywords {
		if strings.TrimSpace(kw.Keyword) == "" {
			add("transcription.keywords[%d].keyword is required", i)
		}
	}
	if t.PersistTimeout < 0 || t.DrainTimeout < 0 {
		add("transcription timeouts must not be negative")
	}

	// Observe
	if p := cfg.Observe.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		add("observe.metrics_path %q must start with /", p)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not a shipped
// provider.
func validateProviderName(kind, name string) {
	if name == "" || slices.Contains(ValidSTTProviders, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidSTTProviders,
	)
}
