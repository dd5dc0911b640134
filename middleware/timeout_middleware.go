package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"uscope-rpc/message"
)

// ErrTimeout is returned when a command does not finish within the middleware timeout.
var ErrTimeout = errors.New("command timed out")

// TimeOutMiddleware bounds the whole invocation. The deadline is also placed on the
// context so that transports honouring it abort their blocked step.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				value any
				err   error
			}
			done := make(chan result, 1)
			go func() {
				value, err := next(ctx, cmd)
				done <- result{value, err}
			}()

			select {
			case res := <-done:
				return res.value, res.err
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrTimeout, "%s after %s", cmd.Cmd, timeout)
			}
		}
	}
}
