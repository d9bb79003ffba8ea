package config

import (
	"os"
	"testing"
	"time"
)

const sampleConfig = `
api:
  base_url: https://pii.example.com
  language: de
stream:
  url: https://chat.example.com/stream
  send_url: https://chat.example.com/messages
  fallback_url: https://chat.example.com/chat
llm:
  base_url: https://llm.example.com/v1
  api_key: dummy
  model: gpt-4o
recovery:
  max_retries: 5
  base_delay: 250ms
  backoff_multiplier: 1.5
  fallback_enabled: false
log:
  level: debug
`

// TestLoad verifies that Load unmarshals a full configuration file.
func TestLoad(t *testing.T) {
	// Write config to temp file
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(sampleConfig); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.BaseURL != "https://pii.example.com" {
		t.Fatalf("unexpected api base_url: %s", cfg.API.BaseURL)
	}
	if cfg.API.Language != "de" {
		t.Fatalf("unexpected language: %s", cfg.API.Language)
	}
	if cfg.Stream.SendURL != "https://chat.example.com/messages" {
		t.Fatalf("unexpected send_url: %s", cfg.Stream.SendURL)
	}
	if cfg.Recovery.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Recovery.MaxRetries)
	}
	if cfg.Recovery.BaseDelay != 250*time.Millisecond {
		t.Fatalf("unexpected base delay: %v", cfg.Recovery.BaseDelay)
	}
	if cfg.Recovery.FallbackEnabled {
		t.Fatalf("fallback_enabled override not applied")
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("unexpected model: %s", cfg.LLM.Model)
	}
}

// TestLoad_Defaults verifies defaults for everything the file leaves out.
func TestLoad_Defaults(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString("api:\n  base_url: https://pii.example.com\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.Language != "en" {
		t.Fatalf("default language not applied: %s", cfg.API.Language)
	}
	if cfg.Recovery.MaxRetries != 3 {
		t.Fatalf("default max_retries not applied: %d", cfg.Recovery.MaxRetries)
	}
	if cfg.Recovery.BaseDelay != time.Second {
		t.Fatalf("default base_delay not applied: %v", cfg.Recovery.BaseDelay)
	}
	if cfg.Recovery.BackoffMultiplier != 2.0 {
		t.Fatalf("default backoff_multiplier not applied: %v", cfg.Recovery.BackoffMultiplier)
	}
	if cfg.Recovery.ProbeTimeout != 5*time.Second {
		t.Fatalf("default probe_timeout not applied: %v", cfg.Recovery.ProbeTimeout)
	}
	if !cfg.Recovery.FallbackEnabled {
		t.Fatalf("fallback should default to enabled")
	}
	if cfg.Store.Path != "attestations.db" {
		t.Fatalf("default store path not applied: %s", cfg.Store.Path)
	}
}
