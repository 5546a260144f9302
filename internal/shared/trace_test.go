package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("empty trace id should read as -, got %q", got)
	}
}

func TestOperationID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := OperationID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithOperationID(ctx, "refresh_index-1a2b3c4d")
	if got := OperationID(ctx); got != "refresh_index-1a2b3c4d" {
		t.Fatalf("expected operation id, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected two distinct non-empty ids, got %q and %q", a, b)
	}
}
