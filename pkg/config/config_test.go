package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Load()
	cfg.PrometheusURL = "http://prometheus:9090"
	cfg.WorkerTemplateID = "lt-worker"
	cfg.SubnetIDs = []string{"subnet-a"}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 2, cfg.MinNodes)
	assert.Equal(t, 10, cfg.MaxNodes)
	assert.Equal(t, 70, cfg.SpotTargetPercent)
	assert.Equal(t, 2*time.Minute, cfg.RunInterval)
	assert.Equal(t, 5*time.Minute, cfg.LockStalenessWindow)
	assert.Equal(t, 10, cfg.HistorySize)
	assert.True(t, cfg.EnableForecast)
	assert.False(t, cfg.EnableCustomSignal)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FLEET_CLUSTER_ID", "staging")
	t.Setenv("FLEET_MIN_NODES", "3")
	t.Setenv("FLEET_MAX_NODES", "20")
	t.Setenv("FLEET_RUN_INTERVAL", "5m")
	t.Setenv("FLEET_SUBNET_IDS", "subnet-a, subnet-b,subnet-c")
	t.Setenv("FLEET_SUBNET_ZONES", "subnet-a=ap-south-1a, subnet-b=ap-south-1b")
	t.Setenv("FLEET_ENABLE_FORECAST", "false")

	cfg := Load()

	assert.Equal(t, "staging", cfg.ClusterID)
	assert.Equal(t, 3, cfg.MinNodes)
	assert.Equal(t, 20, cfg.MaxNodes)
	assert.Equal(t, 5*time.Minute, cfg.RunInterval)
	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c"}, cfg.SubnetIDs)
	assert.Equal(t, map[string]string{
		"subnet-a": "ap-south-1a",
		"subnet-b": "ap-south-1b",
	}, cfg.SubnetZones)
	assert.False(t, cfg.EnableForecast)
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("FLEET_MIN_NODES", "two")
	t.Setenv("FLEET_RUN_INTERVAL", "soon")
	t.Setenv("FLEET_SUBNET_ZONES", "no-equals-sign")

	cfg := Load()
	assert.Equal(t, 2, cfg.MinNodes)
	assert.Equal(t, 2*time.Minute, cfg.RunInterval)
	assert.Nil(t, cfg.SubnetZones)
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty cluster id", func(c *Config) { c.ClusterID = "" }},
		{"max below min", func(c *Config) { c.MinNodes = 5; c.MaxNodes = 3 }},
		{"negative min", func(c *Config) { c.MinNodes = -1 }},
		{"no redis", func(c *Config) { c.RedisAddr = "" }},
		{"no prometheus", func(c *Config) { c.PrometheusURL = "" }},
		{"no worker template", func(c *Config) { c.WorkerTemplateID = "" }},
		{"no subnets", func(c *Config) { c.SubnetIDs = nil }},
		{"spot percent out of range", func(c *Config) { c.SpotTargetPercent = 120 }},
		{"zero interval", func(c *Config) { c.RunInterval = 0 }},
		{"zero history", func(c *Config) { c.HistorySize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
