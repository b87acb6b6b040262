package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type contentKey struct{}
type taskKey struct{}

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

// WithContentID attaches the content_id a call chain is operating on,
// so parse-worker and distributor logs can be correlated without
// threading the id through every function signature.
func WithContentID(ctx context.Context, contentID string) context.Context {
	return context.WithValue(ctx, contentKey{}, contentID)
}

// ContentID extracts content_id from context. Returns "-" if absent.
func ContentID(ctx context.Context) string {
	if v, ok := ctx.Value(contentKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithTaskID attaches the parse/distribution task id a call chain is
// operating on.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "-" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// Logger returns base enriched with whichever of trace_id/content_id/task_id
// are present on ctx, so a single call chain's log lines can be correlated
// without threading the ids through every function signature. Ids left
// unset on ctx are omitted rather than logged as "-".
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		l = l.With("trace_id", v)
	}
	if v, ok := ctx.Value(contentKey{}).(string); ok && v != "" {
		l = l.With("content_id", v)
	}
	if v, ok := ctx.Value(taskKey{}).(string); ok && v != "" {
		l = l.With("task_id", v)
	}
	return l
}
