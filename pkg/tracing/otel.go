package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/snow-ghost/skilltuner"

// Tracer wraps an OpenTelemetry tracer. A nil *Tracer uses the global
// provider, which is a no-op until something installs one.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// Config holds tracing configuration
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	JaegerEndpoint string `yaml:"jaeger_endpoint" validate:"required_if=Enabled true"`
	Environment    string `yaml:"environment"`
}

// NewTracer builds a Jaeger-backed provider and installs it globally.
// With tracing disabled it returns a Tracer over the global provider.
func NewTracer(config Config) (*Tracer, error) {
	if !config.Enabled {
		return &Tracer{tracer: otel.Tracer(instrumentationName)}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{tracer: tp.Tracer(instrumentationName), provider: tp}, nil
}

// NewTracerWithProvider wraps an existing provider, e.g. a span recorder in tests.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

func (t *Tracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return t.tracer
}

// StartSpan starts a new span
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.get().Start(ctx, name, opts...)
}

// StartJudgeSpan starts a span around one judge call.
func (t *Tracer) StartJudgeSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "judge.evaluate", trace.WithAttributes(
		attribute.String("judge.provider", provider),
		attribute.String("judge.model", model),
	))
}

// StartRunSpan starts a span around an evaluation run.
func (t *Tracer) StartRunSpan(ctx context.Context, evaluationID, runID, method string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "evaluation.run", trace.WithAttributes(
		attribute.String("evaluation.id", evaluationID),
		attribute.String("evaluation.run_id", runID),
		attribute.String("evaluation.method", method),
	))
}

// StartLogSpan starts a span around evaluating a single log.
func (t *Tracer) StartLogSpan(ctx context.Context, runID, logID string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "evaluation.log", trace.WithAttributes(
		attribute.String("evaluation.run_id", runID),
		attribute.String("log.id", logID),
	))
}

// StartCaptureSpan starts a span around capturing a log.
func (t *Tracer) StartCaptureSpan(ctx context.Context, skillID, function string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "capture.log", trace.WithAttributes(
		attribute.String("skill.id", skillID),
		attribute.String("log.function", function),
	))
}

// RecordSpanError records an error in a span
func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSpanTokens records token usage in a span
func RecordSpanTokens(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("tokens.input", inputTokens),
		attribute.Int("tokens.output", outputTokens),
		attribute.Int("tokens.total", inputTokens+outputTokens),
	)
}

// Shutdown flushes and stops the provider if this Tracer created one.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// GetTraceID extracts trace ID from context
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
