package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the control plane.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Rebalancer RebalancerConfig `yaml:"rebalancer"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// SubmitRatePerSec / SubmitBurst protect the engine from submit storms.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst"`
}

type SchedulerConfig struct {
	// Objective weights. Lower composite score wins.
	WeightCarbon   float64 `yaml:"weight_carbon"`
	WeightCost     float64 `yaml:"weight_cost"`
	WeightWait     float64 `yaml:"weight_wait"`
	WeightPriority float64 `yaml:"weight_priority"`

	// EvaluationBudgetMS bounds candidate generation and scoring for one
	// request. Exceeding it fails the request with a retryable timeout.
	EvaluationBudgetMS int `yaml:"evaluation_budget_ms"`

	// ClaimRetryLimit is the number of full selection passes allowed when
	// claims are raced out by concurrent submissions.
	ClaimRetryLimit int `yaml:"claim_retry_limit"`
}

type RebalancerConfig struct {
	IntervalSec int `yaml:"interval_sec"`

	// SafetyMarginMin freezes decisions whose start is closer than this.
	SafetyMarginMin int `yaml:"safety_margin_min"`

	// ImprovementThreshold is the score improvement, in normalized score
	// units, required before a supersede is worth the churn.
	ImprovementThreshold float64 `yaml:"improvement_threshold"`
}

type ForecastConfig struct {
	BucketMinutes  int `yaml:"bucket_minutes"`
	HorizonBuckets int `yaml:"horizon_buckets"`
}

type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
}

// Default returns production defaults. Weights are carbon-dominant so the
// greenest feasible window wins unless cost or wait strongly disagree.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       ":8080",
			LogLevel:         "info",
			SubmitRatePerSec: 50,
			SubmitBurst:      100,
		},
		Scheduler: SchedulerConfig{
			WeightCarbon:       0.5,
			WeightCost:         0.2,
			WeightWait:         0.2,
			WeightPriority:     0.1,
			EvaluationBudgetMS: 2000,
			ClaimRetryLimit:    3,
		},
		Rebalancer: RebalancerConfig{
			IntervalSec:          300,
			SafetyMarginMin:      15,
			ImprovementThreshold: 0.1,
		},
		Forecast: ForecastConfig{
			BucketMinutes:  60,
			HorizonBuckets: 48,
		},
		Storage: StorageConfig{},
	}
}

// Load reads a YAML config file over the defaults. Environment variables
// WATTWISE_POSTGRES_DSN and WATTWISE_REDIS_ADDR override storage settings so
// secrets stay out of the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	if dsn := os.Getenv("WATTWISE_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if addr := os.Getenv("WATTWISE_REDIS_ADDR"); addr != "" {
		cfg.Storage.RedisAddr = addr
	}
	return cfg, nil
}

func (c *Config) EvaluationBudget() time.Duration {
	return time.Duration(c.Scheduler.EvaluationBudgetMS) * time.Millisecond
}

func (c *Config) RebalanceInterval() time.Duration {
	return time.Duration(c.Rebalancer.IntervalSec) * time.Second
}

func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.Rebalancer.SafetyMarginMin) * time.Minute
}

func (c *Config) BucketLength() time.Duration {
	return time.Duration(c.Forecast.BucketMinutes) * time.Minute
}
