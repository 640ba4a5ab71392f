package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Addr() != "localhost:8080" {
		t.Errorf("Unexpected server config %+v", cfg.Server)
	}
	if cfg.Sandbox.DefaultDeadline != 30*time.Second || cfg.Sandbox.MaxDeadline != 300*time.Second {
		t.Errorf("Unexpected sandbox deadlines %+v", cfg.Sandbox)
	}
	if cfg.Data.MaxDTE != 90 || cfg.Sandbox.InitCash != 10000 {
		t.Errorf("Unexpected defaults %+v %+v", cfg.Data, cfg.Sandbox)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9000
sandbox:
  default_deadline: 10s
  workers: 2
data:
  max_dte: 45
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STRATLAB_SANDBOX_WORKERS", "8")
	t.Setenv("STRATLAB_CACHE_REDIS_ADDR", "localhost:6379")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Sandbox.DefaultDeadline != 10*time.Second || cfg.Data.MaxDTE != 45 {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.Sandbox.Workers != 8 {
		t.Errorf("Environment should override the file, workers = %d", cfg.Sandbox.Workers)
	}
	if cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Cache.RedisAddr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("STRATLAB_SANDBOX_INIT_CASH", "-5")
	if _, err := config.Load(""); err == nil {
		t.Error("Expected negative init_cash to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
