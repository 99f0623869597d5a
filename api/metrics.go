// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/takagi-works/takagi"
	"github.com/takagi-works/takagi/coap"
)

var _ takagi.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     takagi.Service
}

// MetricsMiddleware instruments the service by tracking request count and
// latency.
func MetricsMiddleware(svc takagi.Service, counter metrics.Counter, latency metrics.Histogram) takagi.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) HandleRequest(ctx context.Context, msg *coap.Message, addr net.Addr) *coap.Message {
	defer func(begin time.Time) {
		mm.counter.With("method", "handle_request").Add(1)
		mm.latency.With("method", "handle_request").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.HandleRequest(ctx, msg, addr)
}

func (mm *metricsMiddleware) Notify(path string, value interface{}) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "notify").Add(1)
		mm.latency.With("method", "notify").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.Notify(path, value)
}
