// Package observability carries porter's two observability surfaces: OTLP
// trace export for infrastructure-level visibility, and the bounded in-band
// debug event ring the chat orchestrator publishes into.
//
// Tracing is optional transport plumbing. The debug ring is the only
// conversation-level surface: it records what the orchestrator did, never
// influences what it does.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/porterhq/porter/internal/log"
)

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	// Endpoint is the OTLP HTTP collector, host:port. Empty disables
	// tracing entirely.
	Endpoint string

	// Environment tags every span, e.g. dev, staging, prod.
	Environment string

	// ServiceName identifies this process in the trace backend.
	ServiceName string
}

// ShutdownFunc flushes and tears down a tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// SetupTracing installs a global tracer provider exporting to the configured
// OTLP endpoint through a batching span processor. Returns the shutdown
// function to call during teardown.
//
// Tracing is best effort: an empty endpoint or a failed exporter setup
// degrades to a no-op with a warning, never an error.
func SetupTracing(ctx context.Context, cfg TracingConfig, logger log.Logger) (ShutdownFunc, error) {
	logger = log.Or(logger)
	if cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "porter"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("otlp exporter setup failed, tracing disabled", "error", err)
		return noopShutdown, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		logger.Warn("trace resource setup failed, tracing disabled", "error", err)
		return noopShutdown, nil
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)
	return provider.Shutdown, nil
}
