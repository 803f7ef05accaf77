package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Lifecycle.HeartbeatTimeout.Std() != 90*time.Second {
		t.Errorf("heartbeat timeout = %v", cfg.Lifecycle.HeartbeatTimeout.Std())
	}
	if cfg.Lifecycle.BreakerThreshold != 3 {
		t.Errorf("breaker threshold = %d", cfg.Lifecycle.BreakerThreshold)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
database_path: /var/lib/warden/warden.db
provider:
  kind: remote
  endpoint: https://compute.example
  api_token: secret
lifecycle:
  heartbeat_timeout: 30s
  inactivity_timeout: 20m
  breaker_window: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Provider.Kind != "remote" || cfg.Provider.Endpoint != "https://compute.example" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Lifecycle.HeartbeatTimeout.Std() != 30*time.Second {
		t.Errorf("heartbeat timeout = %v", cfg.Lifecycle.HeartbeatTimeout.Std())
	}
	if cfg.Lifecycle.InactivityTimeout.Std() != 20*time.Minute {
		t.Errorf("inactivity timeout = %v", cfg.Lifecycle.InactivityTimeout.Std())
	}
	// Unset fields keep their defaults.
	if cfg.Lifecycle.BreakerThreshold != 3 {
		t.Errorf("breaker threshold = %d", cfg.Lifecycle.BreakerThreshold)
	}
	if cfg.CallbackURL != "http://localhost:8080" {
		t.Errorf("callback url = %q", cfg.CallbackURL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "lifecycle:\n  heartbeat_timeout: ninety\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadRejectsRemoteWithoutEndpoint(t *testing.T) {
	path := writeConfig(t, "provider:\n  kind: remote\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for remote provider without endpoint")
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, "provider:\n  kind: libvirt\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}
