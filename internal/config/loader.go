package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
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

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if err := validateWebSocketURL(cfg.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	}
	for i, u := range cfg.Backend.FallbackURLs {
		if err := validateWebSocketURL(u); err != nil {
			errs = append(errs, fmt.Errorf("backend.fallback_urls[%d]: %w", i, err))
		}
	}
	if cfg.Backend.APIKey == "" {
		errs = append(errs, errors.New("backend.api_key is required"))
	}
	if cfg.Backend.Model == "" {
		errs = append(errs, errors.New("backend.model is required"))
	}

	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.FallbackBlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.fallback_block_size %d must not be negative", cfg.Audio.FallbackBlockSize))
	}
	if cfg.Audio.PlaybackRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	}

	if cfg.Session.StabilityWindow < 0 {
		errs = append(errs, fmt.Errorf("session.stability_window %s must not be negative", cfg.Session.StabilityWindow))
	}

	return errors.Join(errs...)
}

func validateWebSocketURL(u string) error {
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("%q must use the ws:// or wss:// scheme", u)
	}
	return nil
}
