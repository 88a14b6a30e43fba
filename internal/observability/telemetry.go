package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version is reported as the service version of every span.
const Version = "0.3.0"

// Config holds tracing settings. Tracing is off unless Enabled is set.
type Config struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, noop
	Endpoint    string  `json:"endpoint" yaml:"endpoint"` // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
}

type tracing struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

var (
	mu     sync.RWMutex
	active = disabled()
)

func disabled() *tracing {
	return &tracing{tracer: noop.NewTracerProvider().Tracer("")}
}

// Init installs the process-wide tracer. Calling it with tracing disabled
// resets the tracer to a no-op.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		swap(disabled())
		return nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	// A propagated parent's sampling decision wins over the local ratio.
	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SampleRate >= 0 && cfg.SampleRate < 1.0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	swap(&tracing{tp: tp, tracer: tp.Tracer(cfg.ServiceName)})
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return exp, nil
	case "noop":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
}

func swap(t *tracing) {
	mu.Lock()
	active = t
	mu.Unlock()
}

func current() *tracing {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// Shutdown flushes pending spans and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	t := current()
	if t.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.tp.Shutdown(ctx)
}

// Tracer returns the process-wide tracer.
func Tracer() trace.Tracer {
	return current().tracer
}

// Enabled reports whether spans are exported.
func Enabled() bool {
	return current().tp != nil
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
