package middleware

import (
	"context"
	"time"

	"busbridge/message"

	"go.uber.org/zap"
)

// Logging logs every request with its latency; failures are logged at Warn.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp.Err != nil {
				logger.Warn("request failed",
					zap.String("address", req.Address),
					zap.Duration("duration", duration),
					zap.Error(resp.Err),
				)
				return resp
			}
			logger.Debug("request served",
				zap.String("address", req.Address),
				zap.Duration("duration", duration),
			)
			return resp
		}
	}
}
