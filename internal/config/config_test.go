package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/vaultstream/internal/config"
)

func TestLoad_FromVaultstreamHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".vaultstream")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("storage_root: /srv/media\nparse_worker_count: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("VAULTSTREAM_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageRoot != "/srv/media" {
		t.Fatalf("expected storage_root=/srv/media got %q", cfg.StorageRoot)
	}
	if cfg.ParseWorkerCount != 3 {
		t.Fatalf("expected parse_worker_count=3 got %d", cfg.ParseWorkerCount)
	}
}

func TestLoad_EnvOverridesTakePrecedence(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("db_path: /tmp/a.db\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VAULTSTREAM_HOME", home)
	t.Setenv("VAULTSTREAM_DB_PATH", "/tmp/b.db")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token-123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBPath != "/tmp/b.db" {
		t.Fatalf("expected env override db_path=/tmp/b.db got %q", cfg.DBPath)
	}
	found := false
	for _, b := range cfg.BotConfigs {
		if b.Platform == "telegram" && b.Token == "tg-token-123" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected TELEGRAM_BOT_TOKEN to produce a telegram bot config entry, got %+v", cfg.BotConfigs)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("VAULTSTREAM_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true when config.yaml is missing")
	}
	if cfg.StorageRoot == "" || cfg.DBPath == "" {
		t.Fatal("expected defaults to be populated even without a config.yaml")
	}
}

func TestLoad_NormalizesInvalidWorkerCounts(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("parse_worker_count: 0\ndistributor_worker_count: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VAULTSTREAM_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ParseWorkerCount <= 0 {
		t.Fatalf("expected parse_worker_count normalized to a positive default, got %d", cfg.ParseWorkerCount)
	}
	if cfg.DistributorWorkerCount <= 0 {
		t.Fatalf("expected distributor_worker_count normalized to a positive default, got %d", cfg.DistributorWorkerCount)
	}
}
