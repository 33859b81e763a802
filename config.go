package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModeTriggered  = "triggered"
	ModeContinuous = "continuous"
)

// Config holds all configuration for the sales lakehouse pipeline.
type Config struct {
	Service    ServiceConfig     `yaml:"service"`
	Storage    StorageConfig     `yaml:"storage"`
	Source     SourceConfig      `yaml:"source"`
	Quality    QualityConfig     `yaml:"quality"`
	Dimensions map[string]string `yaml:"dimensions" env:"-"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Name                string `yaml:"name" env:"SALES_SERVICE_NAME"`
	HealthPort          string `yaml:"health_port" env:"SALES_HEALTH_PORT"`
	Mode                string `yaml:"mode" env:"SALES_MODE"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" env:"SALES_POLL_INTERVAL_SECONDS"`
	IngestWorkers       int    `yaml:"ingest_workers" env:"SALES_INGEST_WORKERS"`
	ClaimLeaseMinutes   int    `yaml:"claim_lease_minutes" env:"SALES_CLAIM_LEASE_MINUTES"`
}

// StorageConfig contains the DuckDB database location and layer schemas.
type StorageConfig struct {
	// Path to the DuckDB database file. Empty means in-memory (tests).
	Path         string `yaml:"path" env:"SALES_DB_PATH"`
	MetaSchema   string `yaml:"meta_schema" env:"SALES_META_SCHEMA"`
	BronzeSchema string `yaml:"bronze_schema" env:"SALES_BRONZE_SCHEMA"`
	SilverSchema string `yaml:"silver_schema" env:"SALES_SILVER_SCHEMA"`
	GoldSchema   string `yaml:"gold_schema" env:"SALES_GOLD_SCHEMA"`
	MartsSchema  string `yaml:"marts_schema" env:"SALES_MARTS_SCHEMA"`
}

// SourceConfig describes where sales files land.
type SourceConfig struct {
	LandingDir string `yaml:"landing_dir" env:"SALES_LANDING_DIR"`
}

// QualityConfig overrides constraint policies by constraint name.
type QualityConfig struct {
	Policies map[string]string `yaml:"policies" env:"-"`
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides on top.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "sales-lakehouse"
	}
	if c.Service.HealthPort == "" {
		c.Service.HealthPort = "8094"
	}
	if c.Service.Mode == "" {
		c.Service.Mode = ModeContinuous
	}
	if c.Service.PollIntervalSeconds == 0 {
		c.Service.PollIntervalSeconds = 60
	}
	if c.Service.IngestWorkers == 0 {
		c.Service.IngestWorkers = 4
	}
	if c.Service.ClaimLeaseMinutes == 0 {
		c.Service.ClaimLeaseMinutes = 30
	}
	if c.Storage.MetaSchema == "" {
		c.Storage.MetaSchema = "meta"
	}
	if c.Storage.BronzeSchema == "" {
		c.Storage.BronzeSchema = "bronze"
	}
	if c.Storage.SilverSchema == "" {
		c.Storage.SilverSchema = "silver"
	}
	if c.Storage.GoldSchema == "" {
		c.Storage.GoldSchema = "gold"
	}
	if c.Storage.MartsSchema == "" {
		c.Storage.MartsSchema = "marts"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Source.LandingDir == "" {
		return fmt.Errorf("source.landing_dir is required")
	}
	if c.Service.Mode != ModeTriggered && c.Service.Mode != ModeContinuous {
		return fmt.Errorf("service.mode must be %q or %q", ModeTriggered, ModeContinuous)
	}
	if c.Service.PollIntervalSeconds < 1 {
		return fmt.Errorf("service.poll_interval_seconds must be at least 1")
	}
	if c.Service.IngestWorkers < 1 {
		return fmt.Errorf("service.ingest_workers must be at least 1")
	}
	if c.Service.ClaimLeaseMinutes < 1 {
		return fmt.Errorf("service.claim_lease_minutes must be at least 1")
	}
	return nil
}

// PollInterval returns the continuous-mode polling interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Service.PollIntervalSeconds) * time.Second
}

// ClaimLease returns how long a claim may be held before it is reaped.
func (c *Config) ClaimLease() time.Duration {
	return time.Duration(c.Service.ClaimLeaseMinutes) * time.Minute
}
