package constants

// Default gateway configuration values
const (
	DefaultConnectTimeoutSec    = 15
	DefaultHelloTimeoutSec      = 10
	DefaultHeartbeatIntervalMs  = 41250
	DefaultReconnectInitialMs   = 1000
	DefaultReconnectMaxSec      = 60
	DefaultInvalidSessionWaitMs = 2500
	DefaultSendRatePerMinute    = 20
	DefaultPacingMinDelayMs     = 800
	DefaultPacingMaxDelayMs     = 2600
	DefaultFrameReadLimitBytes  = 1 << 21
)

// Default sync engine values
const (
	DefaultPushIntervalSec = 30
	DefaultPullIntervalSec = 120
	DefaultSyncBatchSize   = 50
	DefaultSyncErrorsKept  = 20
	DefaultSyncHTTPTimeout = 30
)

// Default database values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultRetentionDays         = 90
	DefaultCleanupIntervalHours  = 24
	DefaultMessagePageSize       = 50
)

// Default server values
const (
	DefaultServerPort            = 8090
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultAPIRequestsPerMinute  = 120
	DefaultMaxUploadBytes        = 32 << 20
)

// Vault values
const (
	VaultKeySize          = 32
	VaultNonceSize        = 12
	VaultPBKDF2Iterations = 100000
	VaultSaltSize         = 16
	VaultEntropySize      = 32
	MinTokenLength        = 24
	MaxTokenLength        = 512
)
