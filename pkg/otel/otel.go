package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	Environment       string
	CollectorEndpoint string
	SamplingRate      float64 // 0.0 to 1.0 (1.0 = always sample)
}

// DefaultConfig returns production defaults.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:       serviceName,
		ServiceVersion:    "1.0.0",
		Environment:       "production",
		CollectorEndpoint: "localhost:4317",
		SamplingRate:      1.0,
	}
}

// InitTracer initializes OpenTelemetry tracing and installs the global
// tracer provider and propagators.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("sanirisk")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the named tracer with optional attributes.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an error on a span and marks its status.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}
	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for the risk service.
const (
	AttrRiskLevel    = attribute.Key("risk.level")
	AttrConfidence   = attribute.Key("risk.confidence")
	AttrDegraded     = attribute.Key("risk.degraded")
	AttrImpactFactor = attribute.Key("regulation.impact_factor")
	AttrCuisine      = attribute.Key("restaurant.cuisine")
	AttrRegion       = attribute.Key("restaurant.region")
)

// PredictionAttributes builds the span attributes of one prediction.
func PredictionAttributes(level string, confidence float64, degraded bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRiskLevel.String(level),
		AttrConfidence.Float64(confidence),
		AttrDegraded.Bool(degraded),
	}
}
