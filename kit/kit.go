// Package kit carries the small transport-agnostic plumbing shared by the
// HTTP and MCP surfaces: the Endpoint function shape, middleware chaining,
// and request-scoped context values.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one exposed operation: typed request in, typed response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares outermost-first.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration and outcome.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				logger.Warn("endpoint failed", "endpoint", name,
					"duration_ms", time.Since(start).Milliseconds(), "error", err)
			} else {
				logger.Debug("endpoint ok", "endpoint", name,
					"duration_ms", time.Since(start).Milliseconds())
			}
			return resp, err
		}
	}
}
