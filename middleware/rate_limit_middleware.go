package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"uscope-rpc/message"
)

// ErrRateLimited is returned when RateLimitMiddleware rejects a command.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware creates a token bucket limiter that rejects commands over budget.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, cmd)
		}
	}
}

// RateLimitWaitMiddleware shares the token bucket model but blocks until a token is
// available or ctx ends.
func RateLimitWaitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (any, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(ErrRateLimited, err.Error())
			}
			return next(ctx, cmd)
		}
	}
}
