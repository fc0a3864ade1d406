package log

import "context"

type contextKey int

const requestIDKey contextKey = iota

// ContextWithRequestID returns a context carrying the given request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request id stored by ContextWithRequestID,
// returning the empty string if none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
