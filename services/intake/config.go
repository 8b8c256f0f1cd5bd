package intake

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the runtime configuration for the intake service, loaded from
// environment variables.
type Config struct {
	HTTPPort int
	DataDir  string

	LocalDatabaseURL  string
	RemoteDatabaseURL string
	RedisURL          string
	NATSURL           string

	PhotoBucket string
	LinkTTL     time.Duration

	SMSGatewayURL string
	SMSAPIKey     string
	SMSSender     string

	SyncInterval    time.Duration
	CleanupInterval time.Duration
	LockTTL         time.Duration

	Sync SyncerConfig

	RetentionDays           int
	RetentionDeleteUnsynced bool
	CleanupBatch            int
}

// LoadConfig reads configuration from the environment. Only the local
// database and Redis are hard requirements: everything network-facing beyond
// those is allowed to be absent so the kiosk keeps accepting captures while
// offline.
func LoadConfig() (Config, error) {
	cfg := Config{}

	cfg.HTTPPort = getEnvInt("KIOSK_HTTP_PORT", 8080)
	cfg.DataDir = getEnv("KIOSK_DATA_DIR", "/var/lib/kioskd")

	cfg.LocalDatabaseURL = os.Getenv("KIOSK_LOCAL_DB_URL")
	if cfg.LocalDatabaseURL == "" {
		return Config{}, fmt.Errorf("KIOSK_LOCAL_DB_URL is required")
	}
	cfg.RemoteDatabaseURL = os.Getenv("KIOSK_REMOTE_DB_URL")

	cfg.RedisURL = getEnv("KIOSK_REDIS_URL", "redis://localhost:6379/0")
	cfg.NATSURL = os.Getenv("KIOSK_NATS_URL")

	cfg.PhotoBucket = os.Getenv("KIOSK_PHOTO_BUCKET")
	cfg.LinkTTL = time.Duration(getEnvInt("KIOSK_LINK_TTL_HOURS", 24)) * time.Hour

	cfg.SMSGatewayURL = os.Getenv("KIOSK_SMS_GATEWAY_URL")
	cfg.SMSAPIKey = os.Getenv("KIOSK_SMS_API_KEY")
	cfg.SMSSender = getEnv("KIOSK_SMS_SENDER", "kioskd")

	cfg.SyncInterval = time.Duration(getEnvInt("KIOSK_SYNC_INTERVAL_SECONDS", 30)) * time.Second
	cfg.CleanupInterval = time.Duration(getEnvInt("KIOSK_CLEANUP_INTERVAL_HOURS", 24)) * time.Hour
	cfg.LockTTL = time.Duration(getEnvInt("KIOSK_LOCK_TTL_SECONDS", 60)) * time.Second

	cfg.Sync.BatchSize = getEnvInt("KIOSK_SYNC_BATCH", 10)
	cfg.Sync.MaxAttempts = getEnvInt("KIOSK_MAX_SYNC_ATTEMPTS", 3)
	cfg.Sync.BackoffBase = time.Duration(getEnvInt("KIOSK_BACKOFF_BASE_SECONDS", 2)) * time.Second
	cfg.Sync.BackoffCap = time.Duration(getEnvInt("KIOSK_BACKOFF_CAP_SECONDS", 60)) * time.Second

	cfg.RetentionDays = getEnvInt("KIOSK_RETENTION_DAYS", 30)
	cfg.RetentionDeleteUnsynced = getEnvBool("KIOSK_RETENTION_DELETE_UNSYNCED", false)
	cfg.CleanupBatch = getEnvInt("KIOSK_CLEANUP_BATCH", 200)

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("invalid KIOSK_HTTP_PORT: %d", cfg.HTTPPort)
	}
	if cfg.SyncInterval <= 0 {
		return Config{}, fmt.Errorf("KIOSK_SYNC_INTERVAL_SECONDS must be positive")
	}
	if cfg.CleanupInterval <= 0 {
		return Config{}, fmt.Errorf("KIOSK_CLEANUP_INTERVAL_HOURS must be positive")
	}
	if cfg.LockTTL < 3*time.Second {
		return Config{}, fmt.Errorf("KIOSK_LOCK_TTL_SECONDS must be at least 3")
	}
	if cfg.RetentionDays <= 0 {
		return Config{}, fmt.Errorf("KIOSK_RETENTION_DAYS must be positive")
	}
	if cfg.CleanupBatch <= 0 {
		return Config{}, fmt.Errorf("KIOSK_CLEANUP_BATCH must be positive")
	}
	if (cfg.SMSGatewayURL == "") != (cfg.SMSAPIKey == "") {
		return Config{}, fmt.Errorf("KIOSK_SMS_GATEWAY_URL and KIOSK_SMS_API_KEY must be set together")
	}

	return cfg, nil
}

// Retention converts the configured retention days to a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
