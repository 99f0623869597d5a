// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/takagi-works/takagi"
	"github.com/takagi-works/takagi/coap"
)

var _ takagi.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    takagi.Service
}

// LoggingMiddleware adds logging facilities to the service.
func LoggingMiddleware(svc takagi.Service, logger *slog.Logger) takagi.Service {
	return &loggingMiddleware{logger, svc}
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, msg *coap.Message, addr net.Addr) (resp *coap.Message) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Request %s %s from %s took %s to complete", msg.Code, msg.Path(), addr, time.Since(begin))
		if resp != nil && resp.Code.Class() >= 4 {
			lm.logger.Warn(fmt.Sprintf("%s with code %d.%02d.", message, resp.Code.Class(), resp.Code.Detail()))
			return
		}
		lm.logger.Info(fmt.Sprintf("%s without errors.", message))
	}(time.Now())

	return lm.svc.HandleRequest(ctx, msg, addr)
}

func (lm *loggingMiddleware) Notify(path string, value interface{}) (err error) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Method notify to path %s took %s to complete", path, time.Since(begin))
		if err != nil {
			lm.logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
			return
		}
		lm.logger.Info(fmt.Sprintf("%s without errors.", message))
	}(time.Now())

	return lm.svc.Notify(path, value)
}
