package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tallybill/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	TracesEnabled  bool
	MetricsEnabled bool
	// Webhook deliveries are traced regardless of the ratio; the sender's retry
	// history is only reconstructable from them.
	TraceAllWebhooks bool
	SamplingRatio    float64

	ExporterEndpoint string
	TracesProtocol   string
	MetricsProtocol  string

	SlowQueryThreshold time.Duration
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "tallybill"
	}

	otelEnabled := getenvBool("OTEL_ENABLED", true)
	protocol := lower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))

	return Config{
		ServiceName:        serviceName,
		Environment:        strings.TrimSpace(getenv("DEPLOYMENT_ENV", cfg.Environment)),
		Version:            strings.TrimSpace(getenv("SERVICE_VERSION", cfg.AppVersion)),
		LogLevel:           lower(getenv("LOG_LEVEL", "info")),
		LogFormat:          lower(getenv("LOG_FORMAT", "json")),
		TracesEnabled:      getenvBool("OTEL_TRACES_ENABLED", otelEnabled),
		MetricsEnabled:     getenvBool("OTEL_METRICS_ENABLED", otelEnabled),
		TraceAllWebhooks:   getenvBool("OTEL_TRACE_ALL_WEBHOOKS", true),
		SamplingRatio:      getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		ExporterEndpoint:   strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)),
		TracesProtocol:     lower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)),
		MetricsProtocol:    lower(getenv("OTEL_EXPORTER_OTLP_METRICS_PROTOCOL", protocol)),
		SlowQueryThreshold: getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
	}
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch lower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func lower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch lower(os.Getenv(key)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	parsed, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
