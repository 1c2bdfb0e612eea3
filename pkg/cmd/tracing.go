package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/flowtrail/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns an exporting tracer when enabled, and the global no-op
// tracer otherwise. The shutdown func is always safe to call.
//
//nolint:ireturn // OpenTelemetry tracers are interfaces
func NewTracer(ctx context.Context, logger *slog.Logger, serviceName string, enabled bool) (trace.Tracer, otelhelper.ShutdownFunc) {
	noop := func(context.Context) error { return nil }

	if !enabled {
		return otelhelper.NoopTracer(serviceName), noop
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Failed to set up tracing, continuing without it", "error", err)

		return otelhelper.NoopTracer(serviceName), noop
	}

	return tracer, shutdown
}
