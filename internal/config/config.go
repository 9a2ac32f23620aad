package config

import (
	"encoding/json"
	"fmt"
	"os"

	"chatmux/internal/constants"
	"chatmux/internal/models"
	"chatmux/internal/security"
)

var (
	ErrMissingDBPath   = models.ConfigError{Message: "missing database path"}
	ErrMissingVaultDir = models.ConfigError{Message: "missing vault data directory"}
	ErrNoGateways      = models.ConfigError{Message: "gateways array is required and must contain at least one gateway"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateDataPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateDataPath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Vault.DataDir == "" {
		return ErrMissingVaultDir
	}
	if len(c.Gateways) == 0 {
		return ErrNoGateways
	}

	seen := make(map[models.Platform]bool)
	for i, gw := range c.Gateways {
		if gw.Platform == "" {
			return models.ConfigError{Message: fmt.Sprintf("missing platform in gateway %d", i)}
		}
		if gw.Platform != models.PlatformDiscord && gw.Platform != models.PlatformTelegram {
			return models.ConfigError{Message: fmt.Sprintf("unknown platform %q in gateway %d", gw.Platform, i)}
		}
		if gw.GatewayURL == "" {
			return models.ConfigError{Message: fmt.Sprintf("missing gateway URL for platform %s", gw.Platform)}
		}
		if gw.APIBaseURL == "" {
			return models.ConfigError{Message: fmt.Sprintf("missing API base URL for platform %s", gw.Platform)}
		}
		if seen[gw.Platform] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate gateway for platform %s", gw.Platform)}
		}
		seen[gw.Platform] = true

		if gw.PacingMinDelayMs > 0 && gw.PacingMaxDelayMs > 0 && gw.PacingMaxDelayMs < gw.PacingMinDelayMs {
			return models.ConfigError{Message: fmt.Sprintf("pacing max delay below min delay for platform %s", gw.Platform)}
		}
	}

	if c.Sync.BackendURL == "" {
		return models.ConfigError{Message: "missing sync backend URL"}
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.Sync.PushIntervalSec <= 0 {
		c.Sync.PushIntervalSec = constants.DefaultPushIntervalSec
	}
	if c.Sync.PullIntervalSec <= 0 {
		c.Sync.PullIntervalSec = constants.DefaultPullIntervalSec
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = constants.DefaultSyncBatchSize
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.RequestsPerMinute <= 0 {
		c.Server.RequestsPerMinute = constants.DefaultAPIRequestsPerMinute
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("CHATMUX_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if dir := os.Getenv("CHATMUX_VAULT_DIR"); dir != "" {
		c.Vault.DataDir = dir
	}
	if url := os.Getenv("CHATMUX_SYNC_BACKEND_URL"); url != "" {
		c.Sync.BackendURL = url
	}
	// SECURITY: the backend API key should come from the environment, not
	// the config file.
	if key := os.Getenv("CHATMUX_SYNC_API_KEY"); key != "" {
		c.Sync.APIKey = key
	}
	if level := os.Getenv("CHATMUX_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("CHATMUX_ENV") == "production"

	if isProduction {
		if c.Sync.APIKey == "" {
			return models.ConfigError{Message: "sync backend API key is required in production (set CHATMUX_SYNC_API_KEY environment variable)"}
		}
		if len(c.Sync.APIKey) < 32 {
			return models.ConfigError{Message: "sync backend API key must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Sync.APIKey == "" {
		fmt.Fprintf(os.Stderr, "WARNING: sync backend API key not set. Set CHATMUX_SYNC_API_KEY environment variable.\n")
	}

	return nil
}
