package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  landing_dir: /data/landing
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	if config.Service.Name != "sales-lakehouse" {
		t.Errorf("name = %s", config.Service.Name)
	}
	if config.Service.HealthPort != "8094" {
		t.Errorf("health_port = %s, want 8094", config.Service.HealthPort)
	}
	if config.Service.Mode != ModeContinuous {
		t.Errorf("mode = %s, want continuous", config.Service.Mode)
	}
	if config.PollInterval() != 60*time.Second {
		t.Errorf("poll interval = %v, want 60s", config.PollInterval())
	}
	if config.ClaimLease() != 30*time.Minute {
		t.Errorf("claim lease = %v, want 30m", config.ClaimLease())
	}
	if config.Storage.MetaSchema != "meta" || config.Storage.MartsSchema != "marts" {
		t.Errorf("schema defaults = %+v", config.Storage)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  name: lakehouse-test
  health_port: "9999"
  mode: triggered
  poll_interval_seconds: 5
  ingest_workers: 8
storage:
  path: /tmp/test.duckdb
  bronze_schema: raw
source:
  landing_dir: /data/landing
quality:
  policies:
    non_negative_amount: drop
dimensions:
  dim_product: version-as-new-row
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	if config.Service.Mode != ModeTriggered {
		t.Errorf("mode = %s, want triggered", config.Service.Mode)
	}
	if config.Service.IngestWorkers != 8 {
		t.Errorf("workers = %d, want 8", config.Service.IngestWorkers)
	}
	if config.Storage.Path != "/tmp/test.duckdb" {
		t.Errorf("path = %s", config.Storage.Path)
	}
	if config.Storage.BronzeSchema != "raw" {
		t.Errorf("bronze schema = %s, want raw", config.Storage.BronzeSchema)
	}
	// Unset schemas still get defaults.
	if config.Storage.SilverSchema != "silver" {
		t.Errorf("silver schema = %s, want silver", config.Storage.SilverSchema)
	}
	if config.Quality.Policies["non_negative_amount"] != "drop" {
		t.Errorf("quality policies = %v", config.Quality.Policies)
	}
	if config.Dimensions["dim_product"] != "version-as-new-row" {
		t.Errorf("dimension policies = %v", config.Dimensions)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  health_port: "9999"
source:
  landing_dir: /data/landing
`)
	t.Setenv("SALES_HEALTH_PORT", "7777")
	t.Setenv("SALES_LANDING_DIR", "/env/landing")
	t.Setenv("SALES_MODE", "triggered")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	if config.Service.HealthPort != "7777" {
		t.Errorf("health_port = %s, want env override 7777", config.Service.HealthPort)
	}
	if config.Source.LandingDir != "/env/landing" {
		t.Errorf("landing_dir = %s, want env override", config.Source.LandingDir)
	}
	if config.Service.Mode != ModeTriggered {
		t.Errorf("mode = %s, want triggered", config.Service.Mode)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.Source.LandingDir = "/data/landing"
		c.applyDefaults()
		return c
	}

	cases := []struct {
		name    string
		corrupt func(*Config)
	}{
		{"missing landing dir", func(c *Config) { c.Source.LandingDir = "" }},
		{"unknown mode", func(c *Config) { c.Service.Mode = "sometimes" }},
		{"zero poll interval", func(c *Config) { c.Service.PollIntervalSeconds = 0 }},
		{"zero workers", func(c *Config) { c.Service.IngestWorkers = 0 }},
		{"zero lease", func(c *Config) { c.Service.ClaimLeaseMinutes = 0 }},
	}
	for _, tc := range cases {
		c := base()
		require.NoError(t, c.Validate(), tc.name)
		tc.corrupt(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("missing config file should fail")
	}
}
