package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "airwave" {
		t.Errorf("expected service name 'airwave', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of disabled provider failed: %v", err)
	}
}

func TestTraceSignaling_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	ctx, span := TraceSignaling(context.Background(), "join", "remote-1")
	RecordError(ctx, errors.New("relay down"))
	MeasureDuration(ctx, time.Now())
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "signaling.join" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if len(ended[0].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestRecordError_NilIsNoop(t *testing.T) {
	ctx, span := TraceRelay(context.Background(), "upsert", "broadcasts")
	defer span.End()
	RecordError(ctx, nil)
}
