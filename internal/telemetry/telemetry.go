package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jordanhubbard/autorun"

var (
	// Global tracer for the application. It delegates to the no-op
	// provider until InitTelemetry installs a real one.
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Global meter for custom metrics
	Meter metric.Meter = otel.Meter(instrumentationName)

	// Custom metrics
	AgentStarts    metric.Int64Counter
	AgentRotations metric.Int64Counter
	ScanDuration   metric.Float64Histogram
)

func init() {
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Failed to create instruments: %v", err)
	}
}

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, version, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)
	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// CountStart increments the started-agents counter.
func CountStart(ctx context.Context, agentType, result string) {
	AgentStarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_type", agentType),
		attribute.String("result", result),
	))
}

// CountRotation increments the rotation counter.
func CountRotation(ctx context.Context, agentType string) {
	AgentRotations.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_type", agentType)))
}

// ObserveScan records how long a scan took.
func ObserveScan(ctx context.Context, d time.Duration, started bool) {
	ScanDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.Bool("started", started)))
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	AgentStarts, err = Meter.Int64Counter(
		"autorun.agent.starts",
		metric.WithDescription("Agent start attempts by result"),
	)
	if err != nil {
		return err
	}

	AgentRotations, err = Meter.Int64Counter(
		"autorun.agent.rotations",
		metric.WithDescription("Rotations triggered by earned rewards"),
	)
	if err != nil {
		return err
	}

	ScanDuration, err = Meter.Float64Histogram(
		"autorun.scan.duration",
		metric.WithDescription("Scan duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}
