package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	HeartbeatChanged     bool
	NewHeartbeatInterval time.Duration

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.HeartbeatChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Presence.HeartbeatInterval != new.Presence.HeartbeatInterval {
		d.HeartbeatChanged = true
		d.NewHeartbeatInterval = new.Presence.HeartbeatInterval
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !equalTranscription(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalProviders(a, b ProvidersConfig) bool {
	if !equalEntry(a.STT, b.STT) || len(a.STTFallbacks) != len(b.STTFallbacks) {
		return false
	}
	for i := range a.STTFallbacks {
		if !equalEntry(a.STTFallbacks[i], b.STTFallbacks[i]) {
			return false
		}
	}
	return true
}

// equalEntry ignores Options, which are opaque to the config layer.
func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func equalTranscription(a, b TranscriptionConfig) bool {
	if len(a.Keywords) != len(b.Keywords) {
		return false
	}
	for i := range a.Keywords {
		if a.Keywords[i] != b.Keywords[i] {
			return false
		}
	}
	return a.Language == b.Language &&
		a.SampleRate == b.SampleRate && a.Channels == b.Channels &&
		a.InputCodec == b.InputCodec &&
		a.InputSampleRate == b.InputSampleRate && a.InputChannels == b.InputChannels &&
		a.PersistTimeout == b.PersistTimeout && a.DrainTimeout == b.DrainTimeout
}
