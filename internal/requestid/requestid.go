// Package requestid tags each processed question with an id that follows it
// through context and logs.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Logger returns logger with the context's request id attached, when there is one.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return logger
	}
	return logger.With().Str("request_id", id).Logger()
}
