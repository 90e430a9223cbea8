// Package ctxutil provides shared context key accessors for values that
// flow through every layer of a request or message's lifetime: the
// correlation ID that ties an HTTP upload to its eventual worker log lines.
package ctxutil

import "context"

type contextKey string

const keyCorrelationID contextKey = "correlation_id"

// WithCorrelationID returns a new context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationIDFromContext extracts the correlation ID from the context,
// returning "" if none was set.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}
