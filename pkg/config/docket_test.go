package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDaemonConfigDefaults(t *testing.T) {
	t.Setenv("DOCKET_CONFIG_FILE", "")
	cfg, err := LoadDaemonConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.PortRanges != "5000-5999" || cfg.EphemeralTTL != 5*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DNSEnabled() {
		t.Fatalf("dns should be disabled without credentials")
	}
}

func TestLoadDaemonConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docket.yaml")
	content := []byte("store: postgres\nport_ranges: 7000-7099\nephemeral_ttl: 90s\nparent_domain: example.test\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOCKET_CONFIG_FILE", path)
	t.Setenv("DOCKET_PORT_RANGES", "8000-8009")
	t.Setenv("DOCKET_STORE", "REDIS")
	t.Setenv("CLOUDFLARE_API_TOKEN", "tok")
	t.Setenv("CLOUDFLARE_ZONE_ID", "zone")
	t.Setenv("DOCKET_DNS_TYPE", "a")

	cfg, err := LoadDaemonConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortRanges != "8000-8009" {
		t.Fatalf("env should override file, got %q", cfg.PortRanges)
	}
	if cfg.Store != StoreRedis {
		t.Fatalf("expected lowercased store, got %q", cfg.Store)
	}
	if cfg.EphemeralTTL != 90*time.Second || cfg.ParentDomain != "example.test" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.DNSEnabled() || cfg.DNSRecordType != "A" {
		t.Fatalf("unexpected dns settings %+v", cfg)
	}
}

func TestLoadDaemonConfigBadFile(t *testing.T) {
	t.Setenv("DOCKET_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadDaemonConfig(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestGetSecondsFallsBackOnGarbage(t *testing.T) {
	t.Setenv("DOCKET_EPHEMERAL_TTL_SECONDS", "soon")
	if got := GetSeconds("DOCKET_EPHEMERAL_TTL_SECONDS", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
	t.Setenv("DOCKET_EPHEMERAL_TTL_SECONDS", "30")
	if got := GetSeconds("DOCKET_EPHEMERAL_TTL_SECONDS", time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
}
