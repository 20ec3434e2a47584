package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log = zerolog.Nop()

type ctxKey struct{}

type invocationKey struct{}

func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}

// WithInvocation tags ctx with the id of the current unit of work. The id is
// added to the context logger and doubles as the mutex holder identity.
func WithInvocation(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, invocationKey{}, id)
	log := FromContext(ctx).With().Str("invocation_id", id).Logger()
	return WithContext(ctx, log)
}

func InvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationKey{}).(string)
	return id
}
