package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}
	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}
	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}
	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestPredictionAttributes(t *testing.T) {
	attrs := PredictionAttributes("High", 0.82, false)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	byKey := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		byKey[kv.Key] = kv.Value
	}

	if got := byKey[AttrRiskLevel].AsString(); got != "High" {
		t.Errorf("risk.level: got %q, want High", got)
	}
	if got := byKey[AttrConfidence].AsFloat64(); got != 0.82 {
		t.Errorf("risk.confidence: got %g, want 0.82", got)
	}
	if got := byKey[AttrDegraded].AsBool(); got {
		t.Error("risk.degraded: got true, want false")
	}
}

func TestStartSpan(t *testing.T) {
	// Without an initialized provider this produces a no-op span; the API
	// must still be safe to use.
	ctx, span := StartSpan(context.Background(), "test", "operation",
		AttrRiskLevel.String("Low"))
	defer span.End()

	if ctx == nil {
		t.Fatal("Expected a context")
	}
	RecordError(span, errors.New("boom"), "test failure")
	RecordError(span, nil, "")
}

func TestShutdown_NilProvider(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Errorf("Shutdown(nil) should be a no-op, got %v", err)
	}
}
