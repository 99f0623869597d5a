// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/takagi-works/takagi/coap"
)

// Middleware wraps a handler with a request/response transformer.
// Middleware may short-circuit by not invoking the wrapped handler.
type Middleware func(next Handler) Handler

// Chain composes middlewares right to left around the terminal handler, so
// the first middleware in the list sees the request first.
func Chain(terminal Handler, mws ...Middleware) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoggingMiddleware logs each dispatch with its duration and outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (resp *coap.Message, err error) {
			defer func(begin time.Time) {
				message := fmt.Sprintf("Method %s %s took %s to complete", Method(req.Message.Code), req.Message.Path(), time.Since(begin))
				if err != nil {
					logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
					return
				}
				logger.Info(fmt.Sprintf("%s without errors.", message))
			}(time.Now())

			return next(ctx, req)
		}
	}
}

// MetricsMiddleware tracks request count and latency per method.
func MetricsMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*coap.Message, error) {
			defer func(begin time.Time) {
				method := Method(req.Message.Code)
				counter.With("method", method).Add(1)
				latency.With("method", method).Observe(time.Since(begin).Seconds())
			}(time.Now())

			return next(ctx, req)
		}
	}
}

// RecoveryMiddleware converts handler panics and errors into 5.00
// responses and unwraps Halt responses. It sits outermost in the chain so
// no failure escapes to the transport loop.
func RecoveryMiddleware(b *Builder, logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (resp *coap.Message, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(fmt.Sprintf("handler panicked: %v", r))
					resp, err = b.InternalServerError(req.Message)
				}
			}()

			resp, err = next(ctx, req)
			if err != nil {
				var halt *HaltError
				if ok := asHalt(err, &halt); ok {
					return halt.Resp, nil
				}
				logger.Error(fmt.Sprintf("handler failed: %s", err))
				return b.InternalServerError(req.Message)
			}
			if resp == nil {
				return b.InternalServerError(req.Message)
			}
			return resp, nil
		}
	}
}

func asHalt(err error, target **HaltError) bool {
	for err != nil {
		if h, ok := err.(*HaltError); ok {
			*target = h
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
