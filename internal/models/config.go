package models

// Config holds the application configuration
type Config struct {
	Database      DatabaseConfig  `json:"database"`
	Vault         VaultConfig     `json:"vault"`
	Gateways      []GatewayConfig `json:"gateways"`
	Sync          SyncConfig      `json:"sync"`
	Server        ServerConfig    `json:"server"`
	Retry         RetryConfig     `json:"retry"`
	Tracing       TracingConfig   `json:"tracing"`
	LogLevel      string          `json:"log_level"`
	RetentionDays int             `json:"retentionDays"`
}

// DatabaseConfig holds database related configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// VaultConfig holds credential vault configuration
type VaultConfig struct {
	DataDir string `json:"data_dir"`
}

// GatewayConfig configures one platform's realtime gateway session and its
// REST dispatch path.
type GatewayConfig struct {
	Platform          Platform `json:"platform"`
	GatewayURL        string   `json:"gateway_url"`
	APIBaseURL        string   `json:"api_base_url"`
	Intents           int      `json:"intents"`
	ConnectTimeoutSec int      `json:"connectTimeoutSec"`
	HelloTimeoutSec   int      `json:"helloTimeoutSec"`
	SendRatePerMinute int      `json:"sendRatePerMinute"`
	PacingMinDelayMs  int      `json:"pacingMinDelayMs"`
	PacingMaxDelayMs  int      `json:"pacingMaxDelayMs"`
	PacingDisabled    bool     `json:"pacingDisabled"`
}

// SyncConfig configures the reconciliation loops against the remote backend.
type SyncConfig struct {
	BackendURL      string `json:"backend_url"`
	APIKey          string `json:"api_key"`
	PushIntervalSec int    `json:"pushIntervalSec"`
	PullIntervalSec int    `json:"pullIntervalSec"`
	BatchSize       int    `json:"batchSize"`
}

// ServerConfig holds the local API server configuration
type ServerConfig struct {
	Port              int `json:"port"`
	RequestsPerMinute int `json:"requestsPerMinute"`
}

// RetryConfig holds retry related configuration
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
