package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"uscope-rpc/message"
	"uscope-rpc/protocol"
)

// RetryMiddleware re-runs a command that failed to connect, with exponential backoff.
// Only ErrConnectFailed is retried; in that case no byte reached the peer.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (any, error) {
			value, err := next(ctx, cmd)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !errors.Is(err, protocol.ErrConnectFailed) {
					return value, err
				}

				delay := baseDelay * time.Duration(1<<i)
				logger.Info("Retrying command",
					zap.Int("attempt", i+1),
					zap.Stringer("cmd", cmd.Cmd),
					zap.Duration("delay", delay),
					zap.Error(err))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, err
				case <-timer.C:
				}
				value, err = next(ctx, cmd)
			}
			return value, err
		}
	}
}
