package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is zero.
const (
	DefaultSettleDelay       = 1 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMinChunkDuration  = 500 * time.Millisecond
	DefaultMaxBufferDuration = 10 * time.Second
	DefaultMaxDuration       = 1 * time.Hour
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultSweepInterval     = 1 * time.Minute
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for zero-valued durations. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Engine
	if cfg.Engine.Command != "" && cfg.Engine.ScriptPath == "" {
		errs = append(errs, errors.New("engine.script_path is required when engine.command is set"))
	}
	if cfg.Engine.SettleDelay == 0 {
		cfg.Engine.SettleDelay = DefaultSettleDelay
	}
	if cfg.Engine.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("engine.settle_delay %v must not be negative", cfg.Engine.SettleDelay))
	}
	if cfg.Engine.RequestTimeout == 0 {
		cfg.Engine.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Engine.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.request_timeout %v must not be negative", cfg.Engine.RequestTimeout))
	}

	// Audio
	if cfg.Audio.MinChunkDuration == 0 {
		cfg.Audio.MinChunkDuration = DefaultMinChunkDuration
	}
	if cfg.Audio.MaxBufferDuration == 0 {
		cfg.Audio.MaxBufferDuration = DefaultMaxBufferDuration
	}
	if cfg.Audio.MinChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.min_chunk_duration %v must not be negative", cfg.Audio.MinChunkDuration))
	}
	if cfg.Audio.MaxBufferDuration < cfg.Audio.MinChunkDuration {
		errs = append(errs, fmt.Errorf("audio.max_buffer_duration %v must be at least audio.min_chunk_duration %v",
			cfg.Audio.MaxBufferDuration, cfg.Audio.MinChunkDuration))
	}

	// Sessions
	if cfg.Sessions.MaxDuration == 0 {
		cfg.Sessions.MaxDuration = DefaultMaxDuration
	}
	if cfg.Sessions.InactivityTimeout == 0 {
		cfg.Sessions.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = DefaultSweepInterval
	}
	if cfg.Sessions.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("sessions.sweep_interval %v must not be negative", cfg.Sessions.SweepInterval))
	}

	// Archive
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			errs = append(errs, fmt.Errorf("archive.postgres_dsn %q does not look like a postgres connection string", dsn))
		}
	}

	return errors.Join(errs...)
}
