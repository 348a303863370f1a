package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"busbridge/message"
)

// Timeout bounds each request. The inner handler runs on the caller's
// goroutine with a deadline context and must return once that context
// ends. Its response is returned as is; only a failure caused by the
// deadline is annotated, and it still wraps context.DeadlineExceeded. A
// reply that beat the deadline is never turned into a timeout. A timeout
// of 0 disables the middleware.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp := next(ctx, req)
			if resp.Err != nil && errors.Is(resp.Err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &message.Response{
					Err: fmt.Errorf("request to %s timed out after %s: %w", req.Address, timeout, resp.Err),
				}
			}
			return resp
		}
	}
}
