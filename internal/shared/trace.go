package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type operationIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithOperationID attaches an operation_id to the context.
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, operationID)
}

// OperationID extracts operation_id from context. Returns "" if absent.
func OperationID(ctx context.Context) string {
	if v, ok := ctx.Value(operationIDKey{}).(string); ok {
		return v
	}
	return ""
}
