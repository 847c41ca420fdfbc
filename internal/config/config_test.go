package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefersRequiredFieldValidation(t *testing.T) {
	// No file, no env: Load must still succeed so callers can layer
	// flag values on top before validating.
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for empty config")
	}

	cfg.ServiceURL = "ws://127.0.0.1:8181/ws"
	cfg.Entrypoint = "lib/main.app"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate after filling required fields: %v", err)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxInFlight != 3 {
		t.Errorf("MaxInFlight: got %d", cfg.MaxInFlight)
	}
	if cfg.RetryAttempts != 10 {
		t.Errorf("RetryAttempts: got %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay: got %s", cfg.RetryDelay)
	}
	if cfg.AckTimeout != 60*time.Second {
		t.Errorf("AckTimeout: got %s", cfg.AckTimeout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devpush.yaml")
	data := "service_url: ws://file:1/ws\nentrypoint: lib/main.app\nretry_delay_ms: 100\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("DEVPUSH_SERVICE_URL", "ws://env:2/ws")
	t.Setenv("DEVPUSH_RETRY_DELAY_MS", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceURL != "ws://env:2/ws" {
		t.Errorf("ServiceURL: got %q", cfg.ServiceURL)
	}
	if cfg.Entrypoint != "lib/main.app" {
		t.Errorf("Entrypoint: got %q", cfg.Entrypoint)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay: got %s", cfg.RetryDelay)
	}
}
