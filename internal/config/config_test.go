package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/constants"
	"chatmux/internal/models"
)

func validConfig() models.Config {
	return models.Config{
		Database: models.DatabaseConfig{Path: "/var/lib/chatmux/chatmux.db"},
		Vault:    models.VaultConfig{DataDir: "/var/lib/chatmux/vault"},
		Gateways: []models.GatewayConfig{
			{
				Platform:   models.PlatformDiscord,
				GatewayURL: "wss://gateway.example.com",
				APIBaseURL: "https://api.example.com",
			},
		},
		Sync: models.SyncConfig{BackendURL: "https://sync.example.com"},
	}
}

func writeConfig(t *testing.T, cfg models.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validConfig())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, constants.DefaultPushIntervalSec, cfg.Sync.PushIntervalSec)
	assert.Equal(t, constants.DefaultPullIntervalSec, cfg.Sync.PullIntervalSec)
	assert.Equal(t, constants.DefaultSyncBatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
}

func TestLoadConfigRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Config)
	}{
		{"missing database path", func(c *models.Config) { c.Database.Path = "" }},
		{"missing vault dir", func(c *models.Config) { c.Vault.DataDir = "" }},
		{"no gateways", func(c *models.Config) { c.Gateways = nil }},
		{"missing gateway url", func(c *models.Config) { c.Gateways[0].GatewayURL = "" }},
		{"missing api base url", func(c *models.Config) { c.Gateways[0].APIBaseURL = "" }},
		{"missing sync backend", func(c *models.Config) { c.Sync.BackendURL = "" }},
		{"unknown platform", func(c *models.Config) { c.Gateways[0].Platform = "pigeon" }},
		{"pacing max below min", func(c *models.Config) {
			c.Gateways[0].PacingMinDelayMs = 500
			c.Gateways[0].PacingMaxDelayMs = 100
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := LoadConfig(writeConfig(t, cfg))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRejectsDuplicatePlatforms(t *testing.T) {
	cfg := validConfig()
	cfg.Gateways = append(cfg.Gateways, cfg.Gateways[0])

	_, err := LoadConfig(writeConfig(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate gateway")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATMUX_DB_PATH", "/tmp/override.db")
	t.Setenv("CHATMUX_SYNC_API_KEY", "env-supplied-key")
	t.Setenv("CHATMUX_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(writeConfig(t, validConfig()))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "env-supplied-key", cfg.Sync.APIKey)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestProductionRequiresStrongAPIKey(t *testing.T) {
	t.Setenv("CHATMUX_ENV", "production")

	cfg := validConfig()
	_, err := LoadConfig(writeConfig(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	t.Setenv("CHATMUX_SYNC_API_KEY", "short")
	_, err = LoadConfig(writeConfig(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")

	t.Setenv("CHATMUX_SYNC_API_KEY", "this-is-a-sufficiently-long-api-key-12345")
	loaded, err := LoadConfig(writeConfig(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, "this-is-a-sufficiently-long-api-key-12345", loaded.Sync.APIKey)
}

func TestProductionRejectsDebugLogging(t *testing.T) {
	t.Setenv("CHATMUX_ENV", "production")
	t.Setenv("CHATMUX_SYNC_API_KEY", "this-is-a-sufficiently-long-api-key-12345")

	cfg := validConfig()
	cfg.LogLevel = "debug"
	_, err := LoadConfig(writeConfig(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debug logging")
}

func TestLoadConfigRejectsTraversalPath(t *testing.T) {
	_, err := LoadConfig("../../etc/passwd")
	assert.Error(t, err)
}
