package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MaxPerUser != 10 {
		t.Fatalf("unexpected session cap: %d", cfg.Session.MaxPerUser)
	}
	if cfg.Auth.AccessTTL.Duration != 15*time.Minute {
		t.Fatalf("unexpected access ttl: %v", cfg.Auth.AccessTTL.Duration)
	}
	if cfg.Audit.Mode != "queued" {
		t.Fatalf("unexpected audit mode: %q", cfg.Audit.Mode)
	}
}

func TestFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authcore.toml")
	content := `
listen = ":9999"

[session]
max_per_user = 3
ttl = "24h"
max_lifetime = "48h"

[audit]
mode = "strict"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTHCORE_SESSION_MAX_PER_USER", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Fatalf("file value not applied: %s", cfg.Listen)
	}
	if cfg.Session.MaxPerUser != 5 {
		t.Fatalf("env override lost to file: %d", cfg.Session.MaxPerUser)
	}
	if cfg.Session.TTL.Duration != 24*time.Hour {
		t.Fatalf("duration not parsed: %v", cfg.Session.TTL.Duration)
	}
	if cfg.Audit.Mode != "strict" {
		t.Fatalf("audit mode not applied: %q", cfg.Audit.Mode)
	}
}

func TestRejectsBadAuditMode(t *testing.T) {
	t.Setenv("AUTHCORE_AUDIT_MODE", "best-effort")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}
