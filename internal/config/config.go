package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPlanConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	BaseURL     string

	AuthJWTSecret string
	OTLPEndpoint  string

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

	NATSURL string

	Stripe   StripeConfig
	Checkout CheckoutConfig

	SweeperEnabled  bool
	SweeperSchedule string
	PlanConfigPath  string
}

// StripeConfig carries the API key and one webhook secret per signing domain.
type StripeConfig struct {
	SecretKey                 string
	PaymentsWebhookSecret     string
	ConnectWebhookSecret      string
	SubscriptionWebhookSecret string
	WebhookTolerance          time.Duration
	PlatformPriceID           string
}

type CheckoutConfig struct {
	DefaultExpiry time.Duration
	RatePerMinute int
	Burst         int
	SuccessURL    string
	CancelURL     string
	RefreshURL    string
	ReturnURL     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	baseURL := strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:3000"), "/")

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "tallybill"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		BaseURL:       baseURL,
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tallybill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		NATSURL: strings.TrimSpace(getenv("NATS_URL", "")),

		Stripe: StripeConfig{
			SecretKey:                 strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			PaymentsWebhookSecret:     strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET_PAYMENTS", "")),
			ConnectWebhookSecret:      strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET_CONNECT", "")),
			SubscriptionWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET_SUBSCRIPTIONS", "")),
			WebhookTolerance:          getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			PlatformPriceID:           strings.TrimSpace(getenv("STRIPE_PLATFORM_PRICE_ID", "")),
		},
		Checkout: CheckoutConfig{
			DefaultExpiry: getenvDuration("CHECKOUT_DEFAULT_EXPIRY", time.Hour),
			RatePerMinute: int(getenvInt64("CHECKOUT_RATE_PER_MINUTE", 30)),
			Burst:         int(getenvInt64("CHECKOUT_RATE_BURST", 10)),
			SuccessURL:    baseURL + "/billing/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     baseURL + "/billing/checkout/cancel",
			RefreshURL:    baseURL + "/settings/payments/refresh",
			ReturnURL:     baseURL + "/settings/payments/return",
		},

		SweeperEnabled:  getenvBool("SWEEPER_ENABLED", true),
		SweeperSchedule: getenv("SWEEPER_SCHEDULE", "@every 5m"),
		PlanConfigPath:  strings.TrimSpace(getenv("PLAN_CONFIG_PATH", "")),
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
