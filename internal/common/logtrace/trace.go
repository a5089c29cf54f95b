package logtrace

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type runIDKey struct{}

// WithRunID returns a context carrying a fresh time-ordered run id, unless
// ctx already carries one.
func WithRunID(ctx context.Context) context.Context {
	if RunIDFromContext(ctx) != "" {
		return ctx
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return context.WithValue(ctx, runIDKey{}, id.String())
}

// RunIDFromContext extracts the run id from the context.
// Returns an empty string if the context is nil or carries no run id.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	r, ok := ctx.Value(runIDKey{}).(string)
	if !ok {
		return ""
	}
	return r
}

// Logger returns the global logger annotated with the run id in ctx.
func Logger(ctx context.Context) zerolog.Logger {
	l := log.Logger
	if id := RunIDFromContext(ctx); id != "" {
		l = l.With().Str("run_id", id).Logger()
	}
	return l
}
