package middleware

import (
	"context"
	"errors"

	"busbridge/message"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the token bucket is empty.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit 创建一个基于令牌桶算法的限流中间件
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{Err: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
