// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "json" or "text"
	CORSOrigins []string
	AdminSecret string

	// Storage. Both optional: in-memory stores are used when unset.
	DatabaseURL string
	RedisURL    string // job locks live in Redis when set
	AutoMigrate bool   // apply embedded migrations on startup

	// Gateway
	GatewayProvider      string // "memory" or "stripe"
	StripeSecretKey      string
	StripeBaseURL        string
	StripeWebhookSecret  string
	GatewayWebhookSecret string // HMAC secret for the generic signed-JSON format
	GatewayTimeout       time.Duration
	GatewayRetries       int

	// Notifications
	AMQPURL             string
	AMQPExchange        string
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Tracing
	OTLPEndpoint string

	// Settlement policy
	CommissionBps         int64
	DisputeWindow         time.Duration
	DisputeAdminDeadline  time.Duration
	DisputeFallbackBps    int64
	EarlyRefundThreshold  time.Duration
	MediumRefundThreshold time.Duration

	// Jobs
	JobLockTTL          time.Duration
	ReleaseInterval     time.Duration
	PayoutInterval      time.Duration
	SLAInterval         time.Duration
	ReconcileInterval   time.Duration
	BatchSize           int
	PayoutConcurrency   int
	MaxPayoutAttempts   int
	MaxDeliveryAttempts int
	TransferTimeout     time.Duration

	RateLimitPerMinute int
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultExchange  = "shortlet.notifications"
	DefaultRateLimit = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins: getEnvList("CORS_ORIGINS"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", false),

		GatewayProvider:      getEnv("GATEWAY_PROVIDER", "memory"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeBaseURL:        os.Getenv("STRIPE_BASE_URL"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		GatewayRetries:       int(getEnvInt64("GATEWAY_RETRIES", 3)),

		AMQPURL:             os.Getenv("AMQP_URL"),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", DefaultExchange),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		CommissionBps:         getEnvInt64("COMMISSION_BPS", 1000),
		DisputeWindow:         getEnvDuration("DISPUTE_WINDOW", time.Hour),
		DisputeAdminDeadline:  getEnvDuration("DISPUTE_ADMIN_DEADLINE", 48*time.Hour),
		DisputeFallbackBps:    getEnvInt64("DISPUTE_FALLBACK_CUSTOMER_BPS", 5000),
		EarlyRefundThreshold:  getEnvDuration("REFUND_EARLY_THRESHOLD", 24*time.Hour),
		MediumRefundThreshold: getEnvDuration("REFUND_MEDIUM_THRESHOLD", 12*time.Hour),

		JobLockTTL:          getEnvDuration("JOB_LOCK_TTL", 10*time.Minute),
		ReleaseInterval:     getEnvDuration("ROOM_FEE_RELEASE_INTERVAL", 5*time.Minute),
		PayoutInterval:      getEnvDuration("PAYOUT_INTERVAL", 10*time.Minute),
		SLAInterval:         getEnvDuration("DISPUTE_SLA_INTERVAL", 15*time.Minute),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		BatchSize:           int(getEnvInt64("JOB_BATCH_SIZE", 50)),
		PayoutConcurrency:   int(getEnvInt64("PAYOUT_CONCURRENCY", 5)),
		MaxPayoutAttempts:   int(getEnvInt64("MAX_PAYOUT_ATTEMPTS", 5)),
		MaxDeliveryAttempts: int(getEnvInt64("MAX_DELIVERY_ATTEMPTS", 5)),
		TransferTimeout:     getEnvDuration("TRANSFER_TIMEOUT", 30*time.Minute),

		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.GatewayProvider {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_PROVIDER=memory is not allowed in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.CommissionBps < 0 || c.CommissionBps > 10000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000")
	}
	if c.DisputeFallbackBps < 0 || c.DisputeFallbackBps > 10000 {
		return fmt.Errorf("DISPUTE_FALLBACK_CUSTOMER_BPS must be between 0 and 10000")
	}
	if c.MediumRefundThreshold <= 0 || c.EarlyRefundThreshold <= c.MediumRefundThreshold {
		return fmt.Errorf("REFUND_EARLY_THRESHOLD must exceed REFUND_MEDIUM_THRESHOLD")
	}
	if c.JobLockTTL <= 0 {
		return fmt.Errorf("JOB_LOCK_TTL must be positive")
	}
	if c.BatchSize <= 0 || c.PayoutConcurrency <= 0 {
		return fmt.Errorf("JOB_BATCH_SIZE and PAYOUT_CONCURRENCY must be positive")
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
