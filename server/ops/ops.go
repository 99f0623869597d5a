// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package ops serves the operational HTTP endpoints (health and metrics)
// next to the CoAP transports.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/takagi-works/takagi/internal/server"
)

const (
	httpProtocol  = "http"
	httpsProtocol = "https"

	// The ops endpoint is scraped by probes, not humans; slow-header
	// clients must not pin a connection.
	readHeaderTimeout = 5 * time.Second
)

var _ server.Server = (*opsServer)(nil)

type opsServer struct {
	server.BaseServer
	server *http.Server
}

// NewServer returns the operational HTTP server.
func NewServer(ctx context.Context, cancel context.CancelFunc, name string, config server.Config, handler http.Handler, logger *slog.Logger) server.Server {
	baseServer := server.NewBaseServer(ctx, cancel, name, config, logger)
	hserver := &http.Server{
		Addr:              baseServer.Address,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &opsServer{
		BaseServer: baseServer,
		server:     hserver,
	}
}

// Start binds the listener synchronously, so a taken port fails startup
// immediately instead of from inside the serve goroutine, then serves
// until the context is canceled.
func (s *opsServer) Start() error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("%s service failed to bind ops listener at %s: %w", s.Name, s.Address, err)
	}

	s.Protocol = httpProtocol
	if s.Config.CertFile != "" || s.Config.KeyFile != "" {
		s.Protocol = httpsProtocol
	}
	s.Logger.Info(fmt.Sprintf("%s service %s ops endpoint serving /health and /metrics at %s", s.Name, s.Protocol, s.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.Protocol == httpsProtocol {
			errCh <- s.server.ServeTLS(listener, s.Config.CertFile, s.Config.KeyFile)
			return
		}
		errCh <- s.server.Serve(listener)
	}()

	select {
	case <-s.Ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			// Stop already ran; the serve goroutine just drained.
			return nil
		}
		return err
	}
}

// Stop drains in-flight scrapes within the shared shutdown budget.
func (s *opsServer) Stop() error {
	defer s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), server.StopWaitTime)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.Logger.Error(fmt.Sprintf("%s service %s ops endpoint error during shutdown at %s: %s", s.Name, s.Protocol, s.Address, err))
		return fmt.Errorf("%s service %s ops endpoint error during shutdown at %s: %w", s.Name, s.Protocol, s.Address, err)
	}
	s.Logger.Info(fmt.Sprintf("%s service %s ops endpoint shutdown at %s", s.Name, s.Protocol, s.Address))
	return nil
}
