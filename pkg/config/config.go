// Package config loads gateway settings from environment variables with
// 12-factor defaults. Every tunable has a safe local-development value.
// DATABASE_URL and REDIS_ADDR select the persistent and fast store
// backends; leaving them unset boots the embedded lite mode.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full gateway configuration.
type Config struct {
	// Transport.
	Addr          string
	RateRPS       int
	RateBurst     int
	ShutdownGrace time.Duration

	// Logging.
	LogLevel  string
	LogFormat string

	// Tenant token verification. AuthSecret must be at least 32 bytes in
	// serve mode; the lite bootstrap mints an ephemeral one when empty.
	// The same secret signs approval tokens.
	AuthSecret  string
	AuthIssuer  string
	ApprovalTTL time.Duration

	// Stores. Empty DatabaseURL selects embedded SQLite at SQLitePath;
	// empty RedisAddr selects in-memory idempotency and budget stores.
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	// VaultMasterKey is the base64 master key for the local credential
	// vault. Empty selects the env-variable resolver. Never log it.
	VaultMasterKey string
	VaultPath      string

	// SeedsDir, when set, applies every *.yaml seed file at boot.
	SeedsDir string

	// Pipeline.
	AdapterTimeout   time.Duration
	SuccessTTL       time.Duration
	FailureTTL       time.Duration
	OutputLimitBytes int64

	// Manifest cache.
	CatalogTTL         time.Duration
	CatalogNegativeTTL time.Duration

	// Scorer.
	ScorerWindow    time.Duration
	ScorerInterval  time.Duration
	ScorerMinVolume int

	// Routing advisor thresholds.
	HideThreshold  float64
	HideSustain    time.Duration
	ThrottleP95MS  float64
	PreferredRate  float64
	PreferredP95MS float64

	// Receipt archive. StorageType is one of "none", "s3", "gcs".
	ArchiveStorageType string
	ArchiveBucket      string
	ArchivePrefix      string
	ArchiveInterval    time.Duration

	// Synthetic prober. Empty ProbesDir disables probing.
	ProbesDir     string
	ProbeInterval time.Duration

	// Outcome webhook. Empty WebhookURL disables the publisher.
	WebhookURL             string
	WebhookSecret          string
	WebhookIncludeFailures bool

	// Observability.
	ObservabilityEnabled bool
	OTLPEndpoint         string
	OTLPInsecure         bool
	SampleRate           float64
	Environment          string
}

// Load reads the environment. Missing or unparseable variables fall back
// to their defaults.
func Load() *Config {
	return &Config{
		Addr:          envStr("MOAT_LISTEN_ADDR", ":8080"),
		RateRPS:       envInt("MOAT_RATE_RPS", 50),
		RateBurst:     envInt("MOAT_RATE_BURST", 100),
		ShutdownGrace: envSeconds("MOAT_SHUTDOWN_GRACE_S", 10),

		LogLevel:  envStr("LOG_LEVEL", "INFO"),
		LogFormat: envStr("LOG_FORMAT", "text"),

		AuthSecret:  envStr("MOAT_AUTH_SECRET", ""),
		AuthIssuer:  envStr("MOAT_AUTH_ISSUER", ""),
		ApprovalTTL: envSeconds("MOAT_APPROVAL_TTL_S", 900),

		DatabaseURL: envStr("DATABASE_URL", ""),
		SQLitePath:  envStr("MOAT_SQLITE_PATH", "data/moat.db"),
		RedisAddr:   envStr("REDIS_ADDR", ""),

		VaultMasterKey: envStr("MOAT_VAULT_MASTER_KEY", ""),
		VaultPath:      envStr("MOAT_VAULT_PATH", "data/vault.json"),

		SeedsDir: envStr("MOAT_SEEDS_DIR", ""),

		AdapterTimeout:   envMillis("MOAT_ADAPTER_TIMEOUT_MS", 30000),
		SuccessTTL:       envSeconds("MOAT_IDEMPOTENCY_TTL_SUCCESS_S", 86400),
		FailureTTL:       envSeconds("MOAT_IDEMPOTENCY_TTL_FAILURE_S", 0),
		OutputLimitBytes: envInt64("MOAT_OUTPUT_SIZE_LIMIT_BYTES", 1<<20),

		CatalogTTL:         envSeconds("MOAT_CAPABILITY_CACHE_TTL_S", 300),
		CatalogNegativeTTL: envSeconds("MOAT_CAPABILITY_CACHE_NEGATIVE_TTL_S", 30),

		ScorerWindow:    envDays("MOAT_SCORER_WINDOW_DAYS", 7),
		ScorerInterval:  envSeconds("MOAT_SCORER_INTERVAL_S", 900),
		ScorerMinVolume: envInt("MOAT_SCORER_MIN_VOLUME", 10),

		HideThreshold:  envFloat("MOAT_HIDE_SUCCESS_THRESHOLD", 0.80),
		HideSustain:    envSeconds("MOAT_HIDE_SUSTAINED_S", 86400),
		ThrottleP95MS:  envFloat("MOAT_THROTTLE_P95_MS", 10000),
		PreferredRate:  envFloat("MOAT_PREFERRED_SUCCESS_THRESHOLD", 0.99),
		PreferredP95MS: envFloat("MOAT_PREFERRED_P95_MS", 2000),

		ArchiveStorageType: envStr("ARCHIVE_STORAGE_TYPE", "none"),
		ArchiveBucket:      envStr("ARCHIVE_BUCKET", ""),
		ArchivePrefix:      envStr("ARCHIVE_PREFIX", "receipts"),
		ArchiveInterval:    envSeconds("ARCHIVE_INTERVAL_S", 3600),

		ProbesDir:     envStr("MOAT_PROBES_DIR", ""),
		ProbeInterval: envSeconds("MOAT_PROBE_INTERVAL_S", 300),

		WebhookURL:             envStr("MOAT_WEBHOOK_URL", ""),
		WebhookSecret:          envStr("MOAT_WEBHOOK_SECRET", ""),
		WebhookIncludeFailures: envBool("MOAT_WEBHOOK_INCLUDE_FAILURES", false),

		ObservabilityEnabled: envBool("MOAT_OBSERVABILITY_ENABLED", false),
		OTLPEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		SampleRate:           envFloat("MOAT_TRACE_SAMPLE_RATE", 1.0),
		Environment:          envStr("MOAT_ENVIRONMENT", "development"),
	}
}

// LiteMode reports whether the gateway runs on the embedded stores.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envMillis(key string, defMS int64) time.Duration {
	return time.Duration(envInt64(key, defMS)) * time.Millisecond
}

func envSeconds(key string, defS int64) time.Duration {
	return time.Duration(envInt64(key, defS)) * time.Second
}

func envDays(key string, defDays int64) time.Duration {
	return time.Duration(envInt64(key, defDays)) * 24 * time.Hour
}
