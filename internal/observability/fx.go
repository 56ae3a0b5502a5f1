package observability

import (
	"github.com/smallbiznis/matterly/internal/observability/logger"
	"github.com/smallbiznis/matterly/internal/observability/metrics"
	"github.com/smallbiznis/matterly/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		Config.Tracing,
		Config.Metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	// the tracer provider is only consumed through otel globals
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
