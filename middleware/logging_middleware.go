package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"uscope-rpc/message"
	"uscope-rpc/protocol"
)

type requestIDKey struct{}

// RequestID returns the id LoggingMiddleware attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggingMiddleware logs every command with its duration and outcome. Each invocation
// gets a request id that downstream handlers can read with RequestID.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (any, error) {
			id := uuid.NewString()
			ctx = context.WithValue(ctx, requestIDKey{}, id)

			start := time.Now()
			value, err := next(ctx, cmd)
			fields := []zap.Field{
				zap.String("requestID", id),
				zap.Stringer("cmd", cmd.Cmd),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				if kind := protocol.Kind(err); kind != nil {
					fields = append(fields, zap.String("kind", kind.Error()))
				}
				logger.Warn("Command failed", append(fields, zap.Error(err))...)
				return value, err
			}
			logger.Debug("Command completed", fields...)
			return value, nil
		}
	}
}
