package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/iapsync/internal/config"
)

// Config is the logging and telemetry setup of the reconciliation service.
// Every value defaults from the application config and can be overridden
// with the standard OTEL_* and LOG_* variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	// UntracedRoutes are gin routes that never start a server span.
	UntracedRoutes []string
}

const (
	defaultUntracedRoutes = "/health,/metrics"
	prodSamplingRatio     = 0.1
)

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "iapsync"
	}
	environment := strings.TrimSpace(envOr("DEPLOYMENT_ENV", cfg.Environment))

	protocol := envOr("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}

	// Development traces every request; elsewhere a webhook burst would
	// flood the collector.
	sampling := prodSamplingRatio
	if isDevEnv(environment) {
		sampling = 1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          environment,
		Version:              strings.TrimSpace(envOr("SERVICE_VERSION", cfg.AppVersion)),
		LogLevel:             strings.ToLower(envOr("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOr("LOG_FORMAT", "json")),
		OtelEnabled:          envBool("OTEL_ENABLED", true),
		OtelExporterEndpoint: strings.TrimSpace(envOr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    envRatio("OTEL_SAMPLING_RATIO", sampling),
		UntracedRoutes:       splitList(envOr("OTEL_UNTRACED_ROUTES", defaultUntracedRoutes)),
	}
}

// Debug turns on development logging and stack traces.
func (c Config) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") || isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func envBool(key string, def bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return parsed
}

// envRatio reads a sampling ratio, ignoring values outside [0, 1].
func envRatio(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
