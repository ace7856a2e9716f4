package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// WebhookSecret signs payment-processor notifications (HMAC-SHA256).
	WebhookSecret string

	// ProviderBaseURL is the external product-data provider endpoint.
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// ReservationTTL bounds how long a credit hold may stay unresolved.
	ReservationTTL time.Duration

	CacheTTL time.Duration

	Workers           int
	DequeueBatchSize  int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RequeueBaseDelay  time.Duration
	RequeueMaxDelay   time.Duration
	MaxBulkItems      int

	ProviderRate           float64
	ProviderBurst          int
	ProviderAcquireTimeout time.Duration
	ProviderCooldown       time.Duration

	RateLimit RateLimitConfig
}

// RateLimitConfig controls the per-user ingest limiter on the public API.
type RateLimitConfig struct {
	Enabled   bool
	UserRate  float64
	UserBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "creditgate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditgate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		WebhookSecret: strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),

		ProviderBaseURL: getenv("PROVIDER_BASE_URL", "https://api.product-data.example.com"),
		ProviderAPIKey:  strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
		ProviderTimeout: getenvDuration("PROVIDER_TIMEOUT", 10*time.Second),

		ReservationTTL: getenvDuration("RESERVATION_TTL", 5*time.Minute),

		CacheTTL: getenvDuration("CACHE_TTL", 15*time.Minute),

		Workers:           getenvInt("WORKER_COUNT", 4),
		DequeueBatchSize:  getenvInt("WORKER_DEQUEUE_BATCH", 10),
		VisibilityTimeout: getenvDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
		MaxAttempts:       getenvInt("QUEUE_MAX_ATTEMPTS", 5),
		RequeueBaseDelay:  getenvDuration("QUEUE_REQUEUE_BASE_DELAY", 5*time.Second),
		RequeueMaxDelay:   getenvDuration("QUEUE_REQUEUE_MAX_DELAY", 5*time.Minute),
		MaxBulkItems:      getenvInt("BULK_MAX_ITEMS", 500),

		ProviderRate:           getenvFloat("PROVIDER_RATE", 10),
		ProviderBurst:          getenvInt("PROVIDER_BURST", 20),
		ProviderAcquireTimeout: getenvDuration("PROVIDER_ACQUIRE_TIMEOUT", 30*time.Second),
		ProviderCooldown:       getenvDuration("PROVIDER_COOLDOWN", 30*time.Second),

		RateLimit: RateLimitConfig{
			Enabled:   getenvBool("RATE_LIMIT_ENABLED", true),
			UserRate:  getenvFloat("RATE_LIMIT_USER_RATE", 20),
			UserBurst: getenvInt("RATE_LIMIT_USER_BURST", 40),
		},
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCostConfigHolder),
)

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
