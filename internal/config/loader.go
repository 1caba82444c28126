package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file at path, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses YAML configuration from r. Unknown fields are
// rejected so typos surface at startup rather than as silent defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// providers, suitable for tests and for running with keyword-only risk
// scoring.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogText
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.ChunkMS == 0 {
		c.Audio.ChunkMS = 1000
	}
	if c.Audio.RetainedChunks == 0 {
		c.Audio.RetainedChunks = 30
	}
	if c.Risk.Threshold == 0 {
		c.Risk.Threshold = 0.5
	}
	if c.Risk.WindowSeconds == 0 {
		c.Risk.WindowSeconds = 45
	}
	if c.Risk.WindowWords == 0 {
		c.Risk.WindowWords = 250
	}
	if c.Risk.TimeoutSeconds == 0 {
		c.Risk.TimeoutSeconds = 10
	}
	if c.Session.BatchEvery == 0 {
		c.Session.BatchEvery = 3
	}
	if c.Session.WindowChunks == 0 {
		c.Session.WindowChunks = 3
	}
}

// Validate checks the configuration for inconsistencies and reports all
// problems at once.
func (c *Config) Validate() error {
	var errs []error
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	if !c.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format: unknown format %q", c.Server.LogFormat))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate: must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.ChunkMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_ms: must be positive, got %d", c.Audio.ChunkMS))
	}
	if c.Audio.RetainedChunks <= 0 {
		errs = append(errs, fmt.Errorf("audio.retained_chunks: must be positive, got %d", c.Audio.RetainedChunks))
	}
	if c.Risk.Threshold <= 0 || c.Risk.Threshold > 1 {
		errs = append(errs, fmt.Errorf("risk.threshold: must be in (0, 1], got %g", c.Risk.Threshold))
	}
	if c.Session.BatchEvery <= 0 {
		errs = append(errs, fmt.Errorf("session.batch_every: must be positive, got %d", c.Session.BatchEvery))
	}
	if c.Session.WindowChunks <= 0 {
		errs = append(errs, fmt.Errorf("session.window_chunks: must be positive, got %d", c.Session.WindowChunks))
	}
	if c.Session.MaxRealtimeStreams < 0 {
		errs = append(errs, fmt.Errorf("session.max_realtime_streams: must not be negative, got %d", c.Session.MaxRealtimeStreams))
	}
	for i, entry := range c.Providers.STT {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt[%d]: name is required", i))
		}
	}
	return errors.Join(errs...)
}
