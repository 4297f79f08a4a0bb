package config

import (
	"os"
	"testing"
)

func TestLoadRequiresRedisAndDatabaseURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CONFIG_FILE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when REDIS_URL/DATABASE_URL are unset")
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := []byte("redis_url: redis://from-yaml:6379/0\nworkers:\n  ocr_workers: 9\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "redis://from-env:6379/0")
	t.Setenv("DATABASE_URL", "postgres://localhost/clerk")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RedisURL != "redis://from-env:6379/0" {
		t.Fatalf("expected env to win over yaml, got %q", cfg.RedisURL)
	}
	if cfg.Workers.OCR != 9 {
		t.Fatalf("expected yaml-provided worker count to apply, got %d", cfg.Workers.OCR)
	}
}

func TestDefaultsAppliedWhenNoFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://localhost/clerk")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageDir != "./storage" {
		t.Fatalf("expected default storage dir, got %q", cfg.StorageDir)
	}
	if cfg.CoordinatorBackend != "poll" {
		t.Fatalf("expected default coordinator backend poll, got %q", cfg.CoordinatorBackend)
	}
}
