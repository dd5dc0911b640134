// Package middleware wraps command invocations in an onion of cross-cutting behaviour.
//
// The same HandlerFunc shape serves both ends of the link: on the client it is the call
// that sends a command and returns the decoded response, on the emulated peer it is the
// handler that produces the response value for a received command.
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"uscope-rpc/message"
)

type HandlerFunc func(ctx context.Context, cmd *message.Command) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
