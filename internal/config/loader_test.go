package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/embercoach/voicelink/internal/config"
)

const validYAML = `
server:
  metrics_addr: ":9090"
  log_level: debug
backend:
  url: "wss://generativelanguage.googleapis.com/ws"
  fallback_urls:
    - "wss://backup.example.com/ws"
  api_key: "test-key"
  model: "gemini-2.0-flash-live-001"
  voice: "Aoede"
  system_prompt: "You are a running coach."
audio:
  capture_rate: 16000
  block_size: 1024
  fallback_block_size: 4096
  playback_rate: 24000
session:
  stability_window: 2s
history:
  postgres_dsn: "postgres://localhost/voicelink"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.URL != "wss://generativelanguage.googleapis.com/ws" {
		t.Errorf("backend.url = %q", cfg.Backend.URL)
	}
	if len(cfg.Backend.FallbackURLs) != 1 {
		t.Errorf("fallback_urls = %v", cfg.Backend.FallbackURLs)
	}
	if cfg.Session.StabilityWindow != 2*time.Second {
		t.Errorf("stability_window = %v, want 2s", cfg.Session.StabilityWindow)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_DefaultsApply(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: "wss://example.com/ws"
  api_key: "k"
  model: "m"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.CaptureRate != 16000 || cfg.Audio.BlockSize != 1024 {
		t.Errorf("audio defaults not applied: %+v", cfg.Audio)
	}
	if cfg.Audio.PlaybackRate != 24000 {
		t.Errorf("playback_rate = %d, want 24000", cfg.Audio.PlaybackRate)
	}
	if cfg.Session.StabilityWindow != time.Second {
		t.Errorf("stability_window = %v, want 1s", cfg.Session.StabilityWindow)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: "wss://example.com/ws"
  api_key: "k"
  model: "m"
  colour: "blue"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_MissingBackendFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for empty backend, got nil")
	}
	for _, want := range []string{"backend.url", "backend.api_key", "backend.model"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_BadScheme(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: "https://example.com/ws"
  api_key: "k"
  model: "m"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-websocket scheme, got nil")
	}
	if !strings.Contains(err.Error(), "ws://") {
		t.Errorf("error should mention the expected scheme, got: %v", err)
	}
}

func TestValidate_BadFallbackURL(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: "wss://example.com/ws"
  fallback_urls: ["ftp://example.com"]
  api_key: "k"
  model: "m"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for bad fallback URL, got nil")
	}
	if !strings.Contains(err.Error(), "fallback_urls[0]") {
		t.Errorf("error should name the offending entry, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
backend:
  url: "wss://example.com/ws"
  api_key: "k"
  model: "m"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for bad log level, got nil")
	}
}

func TestValidate_BadAudioValues(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: "wss://example.com/ws"
  api_key: "k"
  model: "m"
audio:
  capture_rate: -1
  block_size: 1024
  playback_rate: 24000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative capture rate, got nil")
	}
	if !strings.Contains(err.Error(), "capture_rate") {
		t.Errorf("error should mention capture_rate, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.Model != "gemini-2.0-flash-live-001" {
		t.Errorf("model = %q", cfg.Backend.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
