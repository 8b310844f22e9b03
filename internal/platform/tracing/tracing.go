// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

type Config struct {
	ServiceName string
	Version     string
	Enabled     bool
	// Writer receives exported spans. Defaults to stdout.
	Writer io.Writer
}

// Init registers an SDK tracer provider exporting to stdout when enabled and
// returns its shutdown func. When disabled the global no-op provider stays in
// place and the returned func does nothing.
func Init(log *logger.Logger, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}
	log = logger.OrNop(log)
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "curriculum"
	}
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return noop, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", strings.TrimSpace(cfg.Version)),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("tracing initialized", "service", name, "exporter", "stdout")
	return tp.Shutdown, nil
}
