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
	NodeID      int64

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
	DBMigrate         bool

	// CredentialVaultKey encrypts processor credentials at rest. A missing or
	// malformed key stops the process during startup.
	CredentialVaultKey string

	Processor ProcessorConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TabLockTTL    time.Duration

	RateLimit RateLimitConfig

	RolloutConfigPath string

	SlackWebhookURL   string
	SlackChannel      string
	NotifyQueueSize   int
	NotifyWorkerCount int
}

// ProcessorConfig bounds every outbound payment processor call.
type ProcessorConfig struct {
	HTTPTimeout    time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	StripeAPIBase    string
	AdyenAPIBase     string
	BraintreeAPIBase string
}

// RateLimitConfig bounds inbound traffic per processor (webhooks) and per
// organization (API). It needs REDIS_ADDR.
type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
	APIRate      float64
	APIBurst     int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "folio"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		NodeID:             getenvInt64("NODE_ID", 1),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "folio"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBMigrate:          getenvBool("DATABASE_MIGRATE", true),
		CredentialVaultKey: strings.TrimSpace(getenv("CREDENTIAL_VAULT_KEY", "")),
		Processor: ProcessorConfig{
			HTTPTimeout:      getenvDuration("PROCESSOR_HTTP_TIMEOUT", 12*time.Second),
			MaxAttempts:      getenvInt("PROCESSOR_MAX_ATTEMPTS", 3),
			BackoffInitial:   getenvDuration("PROCESSOR_BACKOFF_INITIAL", 200*time.Millisecond),
			BackoffMax:       getenvDuration("PROCESSOR_BACKOFF_MAX", 2*time.Second),
			StripeAPIBase:    strings.TrimRight(getenv("STRIPE_API_BASE", "https://api.stripe.com"), "/"),
			AdyenAPIBase:     strings.TrimRight(getenv("ADYEN_API_BASE", "https://checkout-test.adyen.com/v71"), "/"),
			BraintreeAPIBase: strings.TrimRight(getenv("BRAINTREE_API_BASE", "https://payments.sandbox.braintree-api.com/graphql"), "/"),
		},
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		TabLockTTL:        getenvDuration("TAB_LOCK_TTL", 10*time.Second),
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst: getenvInt("RATE_LIMIT_WEBHOOK_BURST", 200),
			APIRate:      getenvFloat("RATE_LIMIT_API_RATE", 20),
			APIBurst:     getenvInt("RATE_LIMIT_API_BURST", 60),
		},
		RolloutConfigPath: strings.TrimSpace(getenv("ROLLOUT_CONFIG_PATH", "")),
		SlackWebhookURL:   strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
		SlackChannel:      strings.TrimSpace(getenv("SLACK_CHANNEL", "#billing-ops")),
		NotifyQueueSize:   getenvInt("NOTIFY_QUEUE_SIZE", 256),
		NotifyWorkerCount: getenvInt("NOTIFY_WORKERS", 2),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
