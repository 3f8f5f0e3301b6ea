package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lvl != zapcore.DebugLevel {
		t.Fatalf("expected debug, got %v", lvl)
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNew_FallsBackOnUnknownLevel(t *testing.T) {
	l := New("loud")
	if l == nil {
		t.Fatal("expected logger")
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be enabled")
	}
	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be disabled")
	}
}

func TestContextLogger_AddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithParticipantID(context.Background(), "p-1")
	ctx = WithRequestID(ctx, "r-1")
	cl.WithContext(ctx).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["participant_id"] != "p-1" || fields["request_id"] != "r-1" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatal("trace_id should be absent")
	}
}
