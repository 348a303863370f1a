// Package middleware wraps request handlers in an onion of cross-cutting
// behaviour. The first middleware passed to Chain is the outermost layer.
package middleware

import (
	"context"

	"busbridge/message"
)

// HandlerFunc turns one local request into one response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
