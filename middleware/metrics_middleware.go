package middleware

import (
	"context"
	"time"

	"busbridge/message"
	"busbridge/metrics"
)

// Metrics records each request's outcome and latency. outcome maps a
// response error (nil on success) to a label value.
func Metrics(m *metrics.Metrics, outcome func(error) string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			m.ObserveRequest(req.Address, outcome(resp.Err), time.Since(start))
			return resp
		}
	}
}
