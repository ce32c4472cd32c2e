package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Scheduler.WeightCarbon != 0.5 {
		t.Errorf("expected carbon-dominant weighting, got %f", cfg.Scheduler.WeightCarbon)
	}
	sum := cfg.Scheduler.WeightCarbon + cfg.Scheduler.WeightCost + cfg.Scheduler.WeightWait + cfg.Scheduler.WeightPriority
	if sum != 1.0 {
		t.Errorf("objective weights should sum to 1, got %f", sum)
	}
	if cfg.EvaluationBudget() != 2*time.Second {
		t.Errorf("unexpected evaluation budget %v", cfg.EvaluationBudget())
	}
	if cfg.BucketLength() != time.Hour {
		t.Errorf("unexpected bucket length %v", cfg.BucketLength())
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  listen_addr: ":9090"
scheduler:
  claim_retry_limit: 5
rebalancer:
  interval_sec: 60
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("file override not applied, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Scheduler.ClaimRetryLimit != 5 {
		t.Errorf("file override not applied, got %d", cfg.Scheduler.ClaimRetryLimit)
	}
	if cfg.RebalanceInterval() != time.Minute {
		t.Errorf("file override not applied, got %v", cfg.RebalanceInterval())
	}
	// Untouched sections keep their defaults.
	if cfg.Forecast.HorizonBuckets != 48 {
		t.Errorf("default clobbered, got %d", cfg.Forecast.HorizonBuckets)
	}
}

func TestLoadEnvOverridesStorage(t *testing.T) {
	t.Setenv("WATTWISE_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("WATTWISE_REDIS_ADDR", "redis-env:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://env/db" {
		t.Errorf("env DSN not applied, got %s", cfg.Storage.PostgresDSN)
	}
	if cfg.Storage.RedisAddr != "redis-env:6379" {
		t.Errorf("env redis addr not applied, got %s", cfg.Storage.RedisAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Errorf("expected error for missing config file")
	}
}
