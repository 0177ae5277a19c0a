package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	AutoMigrate bool

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// DBSQLiteDriver is "pure" (glebarez) or "cgo" (mattn) when DBType is sqlite.
	DBSQLiteDriver      string
	DBSQLiteBusyTimeout time.Duration

	Redis       RedisConfig
	AppStore    AppStoreConfig
	MetricsPush MetricsPushConfig

	ReconcileConfigPath string

	// BootstrapAdminToken, when set, is seeded as an admin access token.
	BootstrapAdminToken string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration

	// Per-user token bucket for verify-purchase calls.
	VerifyRate  float64
	VerifyBurst int
}

type AppStoreConfig struct {
	SharedSecret           string
	VerifyURL              string
	SandboxVerifyURL       string
	VerifyTimeout          time.Duration
	ExcludeOldTransactions bool
}

// MetricsPushConfig controls the metrics snapshot pushed on shutdown.
type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

const (
	DefaultVerifyURL        = "https://buy.itunes.apple.com/verifyReceipt"
	DefaultSandboxVerifyURL = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "iapsync"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		AutoMigrate:  getenvBool("AUTO_MIGRATE", true),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "iapsync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		DBSQLiteDriver:      strings.TrimSpace(getenv("DATABASE_SQLITE_DRIVER", "pure")),
		DBSQLiteBusyTimeout: getenvDuration("DATABASE_SQLITE_BUSY_TIMEOUT", 5*time.Second),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
			LockTTL:  getenvDuration("LINEAGE_LOCK_TTL", 10*time.Second),

			VerifyRate:  getenvFloat("VERIFY_RATE_LIMIT", 1),
			VerifyBurst: getenvInt("VERIFY_RATE_BURST", 5),
		},

		AppStore: AppStoreConfig{
			SharedSecret:           strings.TrimSpace(getenv("APPSTORE_SHARED_SECRET", "")),
			VerifyURL:              strings.TrimSpace(getenv("APPSTORE_VERIFY_URL", DefaultVerifyURL)),
			SandboxVerifyURL:       strings.TrimSpace(getenv("APPSTORE_SANDBOX_VERIFY_URL", DefaultSandboxVerifyURL)),
			VerifyTimeout:          getenvDuration("APPSTORE_VERIFY_TIMEOUT", 15*time.Second),
			ExcludeOldTransactions: getenvBool("APPSTORE_EXCLUDE_OLD_TRANSACTIONS", false),
		},

		MetricsPush: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", "prometheus_pushgateway")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Timeout:   getenvDuration("METRICS_PUSH_TIMEOUT", 5*time.Second),
		},

		ReconcileConfigPath: strings.TrimSpace(getenv("RECONCILE_CONFIG_PATH", "")),
		BootstrapAdminToken: strings.TrimSpace(getenv("ADMIN_BOOTSTRAP_TOKEN", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("15s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds < 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
