package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Endpoints) == 0 {
		t.Fatal("expected default endpoints")
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.MaxAttempts)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
concurrency = 8
ranking-ttl = "90s"
conflict-strategy = "MostRecent"

[[endpoint]]
name = "local"
base-url = "http://127.0.0.1:9000/mods"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", cfg.Concurrency)
	}
	if cfg.RankingTTL.Duration != 90*time.Second {
		t.Fatalf("expected ranking ttl 90s, got %s", cfg.RankingTTL)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Name != "local" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Endpoints)
	}
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`conflict-strategy = "Coinflip"`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.GameDir = "/games/dota 2 beta"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.GameDir != cfg.GameDir {
		t.Fatalf("game dir not preserved: %q", loaded.GameDir)
	}
	if loaded.ShutdownGrace != cfg.ShutdownGrace {
		t.Fatalf("shutdown grace not preserved: %s", loaded.ShutdownGrace)
	}
}
