package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracing exporters.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
)

// InitTracer installs the global tracer provider for exporter and returns
// its shutdown function. "none" (or empty) installs a no-op provider.
// Spans for the stdout exporter are written to w, or os.Stdout when nil.
func InitTracer(serviceName, exporter string, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	switch exporter {
	case "", TracingNone:
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	case TracingStdout:
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q (must be 'none' or 'stdout')", exporter)
	}

	if w == nil {
		w = os.Stdout
	}
	// Create stdout exporter for development
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	// Create resource with service name
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName), slog.String("exporter", exporter))

	return tp.Shutdown, nil
}
