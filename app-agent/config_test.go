package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app-agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTestConfig(t, `
owner_space: "owner-abc"
dek_file: "/etc/vettid/dek"
store_path: "/var/lib/vettid/app.db"
nats:
  url: "nats://vault.example.com:4222"
retention_days: 14
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.OwnerSpace != "owner-abc" {
		t.Errorf("Expected owner_space owner-abc, got %s", cfg.OwnerSpace)
	}
	if cfg.StorePath != "/var/lib/vettid/app.db" {
		t.Errorf("Expected store path override, got %s", cfg.StorePath)
	}
	if cfg.NATS.URL != "nats://vault.example.com:4222" {
		t.Errorf("Expected NATS URL override, got %s", cfg.NATS.URL)
	}
	if cfg.RetentionDays != 14 {
		t.Errorf("Expected retention 14, got %d", cfg.RetentionDays)
	}
	// Defaults survive for fields the file omits
	if cfg.NATS.ReconnectWait != 2000 {
		t.Errorf("Expected default reconnect wait, got %d", cfg.NATS.ReconnectWait)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTestConfig(t, `
owner_space: "owner-abc"
dek_file: "/etc/vettid/dek"
`)

	t.Setenv("VETTID_OWNER_SPACE", "owner-env")
	t.Setenv("VETTID_RETENTION_DAYS", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.OwnerSpace != "owner-env" {
		t.Errorf("Expected env override owner-env, got %s", cfg.OwnerSpace)
	}
	if cfg.RetentionDays != 3 {
		t.Errorf("Expected env retention 3, got %d", cfg.RetentionDays)
	}
}

func TestLoadConfigRequiresOwnerSpaceAndDEK(t *testing.T) {
	if _, err := LoadConfig(writeTestConfig(t, `dek_file: "/etc/vettid/dek"`)); err == nil {
		t.Error("Expected error for missing owner_space")
	}
	if _, err := LoadConfig(writeTestConfig(t, `owner_space: "owner-abc"`)); err == nil {
		t.Error("Expected error for missing dek_file")
	}
}

func TestLoadDEK(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "dek")
	if err := os.WriteFile(good, make([]byte, 32), 0o600); err != nil {
		t.Fatalf("Failed to write DEK: %v", err)
	}
	dek, err := loadDEK(good)
	if err != nil {
		t.Fatalf("Failed to load DEK: %v", err)
	}
	if len(dek) != 32 {
		t.Errorf("Expected 32-byte DEK, got %d", len(dek))
	}

	short := filepath.Join(dir, "short")
	if err := os.WriteFile(short, make([]byte, 16), 0o600); err != nil {
		t.Fatalf("Failed to write short DEK: %v", err)
	}
	if _, err := loadDEK(short); err == nil {
		t.Error("Expected error for short DEK")
	}
}
