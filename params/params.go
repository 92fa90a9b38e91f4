package params

import "time"

const (
	ServerBodyLimit       = 1048576 // 1 MiB
	ServerIdleTimeout     = 30 * time.Second
	ServerReadTimeout     = 10 * time.Second
	ServerWriteTimeout    = 10 * time.Second
	HealthCheckServerAddr = ":3001" // health check and metrics server address
	APIVersion            = "1.0"
	SecurityAPIPrefix     = "/api/v1/security"

	StorageKeyPrefix = "kguard:"
	AuditKeyPrefix   = "audit:"
	AlertKeyPrefix   = "alert:"
	BlockKeyPrefix   = "block:"
	ScanKeyPrefix    = "scan:"
	ReportKeyPrefix  = "report:"
	TrackerKeyPrefix = "window:"
	TimeIndexName    = "ts"
	IPIndexPrefix    = "ip:"
	UserIndexPrefix  = "user:"

	AuditRetention       = 90 * 24 * time.Hour // audit entries are kept for 90 days
	AlertRetention       = 30 * 24 * time.Hour // alerts and scan results are kept for 30 days
	ScanRetention        = 30 * 24 * time.Hour
	ReportRetention      = 90 * 24 * time.Hour
	DefaultBlockDuration = 30 * time.Minute
	MaxBlockDuration     = 24 * time.Hour

	AuditDedupeCacheSize   = 65536 // recently seen log ids, for idempotent retries
	AuditAsyncShards       = 8
	AuditAsyncQueueSize    = 1024
	AuditQueryDefaultLimit = 100
	AuditQueryMaxLimit     = 5000

	TrackerShards           = 64
	TrackerMaxEntries       = 1000 // per subject; oldest entries are dropped first
	TrackerDefaultHorizon   = 5 * time.Minute
	TrackerSweepInterval    = 5 * time.Minute
	StoreUpdateMaxRetries   = 10
	GuardMaxInspectBodySize = 64 * 1024

	ScanDefaultConcurrency = 4
	ScanDefaultTaskTimeout = 2 * time.Minute
	ReportMaxPeriodDays    = 365
	ReportTopSourceIPs     = 10
)
