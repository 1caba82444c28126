// Package config defines the YAML configuration schema for Vigil, the
// strict loader that parses it, and the provider registry that turns
// configuration entries into live STT and LLM providers.
package config

import "log/slog"

// LogLevel controls logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to the corresponding slog.Level. Unset or unknown
// levels default to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Config is the root configuration structure for Vigil.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Risk      RiskConfig      `yaml:"risk"`
	Session   SessionConfig   `yaml:"session"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or json log output.
	LogFormat LogFormat `yaml:"log_format"`
}

// AudioConfig describes the inbound PCM stream and the retention window.
type AudioConfig struct {
	// SampleRate of inbound PCM in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkMS is the chunk duration advertised to clients. Default 1000.
	ChunkMS int `yaml:"chunk_ms"`

	// RetainedChunks is the per-session buffer ceiling. Default 30.
	RetainedChunks int `yaml:"retained_chunks"`

	// TempDir is the scratch directory for batch WAV windows. Empty means
	// the system temp dir.
	TempDir string `yaml:"temp_dir"`
}

// RiskConfig tunes the crisis guardrail.
type RiskConfig struct {
	// Threshold is the risk score that locks a session. Default 0.5.
	Threshold float64 `yaml:"threshold"`

	// WindowSeconds and WindowWords describe the transcript window in the
	// classifier prompt. Defaults 45 / 250.
	WindowSeconds int `yaml:"window_seconds"`
	WindowWords   int `yaml:"window_words"`

	// TimeoutSeconds caps the LLM call before falling back to keyword
	// scoring. Default 10.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SessionConfig tunes per-session transcription behaviour.
type SessionConfig struct {
	// BatchEvery batch-transcribes every Nth chunk when no realtime
	// channel is active. Default 3.
	BatchEvery int `yaml:"batch_every"`

	// WindowChunks is how many recent chunks feed each batch window.
	// Default 3.
	WindowChunks int `yaml:"window_chunks"`

	// MaxRealtimeStreams is the realtime concurrency ceiling passed to
	// cloud providers. Zero keeps each provider's default.
	MaxRealtimeStreams int `yaml:"max_realtime_streams"`
}

// ProvidersConfig declares the STT fallback chain and the risk LLM.
type ProvidersConfig struct {
	// STT lists speech-to-text backends in failover order. The first
	// entry is the preferred provider.
	STT []ProviderEntry `yaml:"stt"`

	// LLM selects the risk-classifier backend.
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "assemblyai", "deepgram", "gemini").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider. For the local
	// whisper provider this is the model file path.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig configures the optional persistence layer.
type StorageConfig struct {
	// PostgresDSN enables transcript persistence when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}
