package observability

import (
	"testing"

	"github.com/smallbiznis/matterly/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{AppName: "matterly", AppVersion: "1.2.3", Environment: "development", OTLPEndpoint: "collector:4317"})

	assert.Equal(t, "matterly", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.OtelEnabled)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.True(t, cfg.Debug())
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP/protobuf")
	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	t.Setenv("DEPLOYMENT_ENV", "production")

	cfg := LoadConfig(config.Config{Environment: "development"})

	assert.Equal(t, "matterly", cfg.ServiceName)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, "http/protobuf", cfg.OtelExporterProtocol)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
	assert.Equal(t, "production", cfg.Logger().Environment)
	assert.True(t, cfg.Tracing().Enabled)
	assert.Equal(t, "matterly", cfg.Metrics().ServiceName)
}
