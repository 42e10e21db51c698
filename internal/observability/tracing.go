package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/autorenew/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xkilldash9x/autorenew"

// Span attribute keys shared by the workflow.
var (
	AttrRunID   = attribute.Key("renew.run_id")
	AttrStage   = attribute.Key("renew.stage")
	AttrOutcome = attribute.Key("renew.outcome")
	AttrTag     = attribute.Key("renew.tag")
)

// TracerProvider wraps the SDK provider and the exporter's output.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	out      io.Closer
}

// InitTracing installs a global tracer provider exporting spans as JSON to
// cfg.Output, or stdout when it is empty. When tracing is disabled the
// global no-op provider stays in place and a nil provider is returned.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		w   io.Writer = os.Stdout
		out io.Closer
	)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		w, out = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, out: out}, nil
}

// Shutdown flushes pending spans and closes the output file.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	err := tp.provider.Shutdown(ctx)
	if tp.out != nil {
		if cerr := tp.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Tracer returns the application tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
