package middleware

import (
	"context"
	"time"

	"busbridge/message"

	"go.uber.org/zap"
)

// Retry re-issues a request whose error satisfies retryable, backing off
// exponentially from baseDelay. The bridge itself never retries; this is
// for callers of the bus that choose to.
func Retry(maxRetries int, baseDelay time.Duration, retryable func(error) bool, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Err == nil || !retryable(resp.Err) {
					return resp
				}
				logger.Info("retrying request",
					zap.String("address", req.Address),
					zap.Int("attempt", i+1),
					zap.Error(resp.Err),
				)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
