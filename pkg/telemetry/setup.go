// Package telemetry installs the process-wide trace provider.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Options configure tracing. Spans are written as JSON to Writer, which
// defaults to stderr so command output stays clean.
type Options struct {
	ServiceName string
	Version     string
	Enabled     bool
	Writer      io.Writer
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// InitTracer installs a tracer provider exporting build spans when enabled.
// When disabled the global no-op provider stays in place.
func InitTracer(ctx context.Context, opts Options) Shutdown {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled {
		return noop
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer), stdouttrace.WithPrettyPrint())
	if err != nil {
		slog.Warn("telemetry exporter init failed", "error", err)
		return noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		)),
	)

	otel.SetTracerProvider(provider)
	slog.Debug("tracing enabled", "service", opts.ServiceName)

	return provider.Shutdown
}
