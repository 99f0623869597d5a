// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package server provides the shared transport server lifecycle: a common
// base, config shape and the signal-driven stop handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// StopWaitTime bounds graceful shutdown of one server.
const StopWaitTime = 5 * time.Second

// Server is one transport listener with a blocking Start and an
// idempotent Stop.
type Server interface {
	Start() error
	Stop() error
}

// Config holds the shared listener configuration.
type Config struct {
	Host     string `env:"HOST"         envDefault:""`
	Port     string `env:"PORT"         envDefault:""`
	CertFile string `env:"SERVER_CERT"  envDefault:""`
	KeyFile  string `env:"SERVER_KEY"   envDefault:""`
}

// BaseServer carries the state every transport server embeds.
type BaseServer struct {
	Ctx      context.Context
	Cancel   context.CancelFunc
	Name     string
	Address  string
	Config   Config
	Logger   *slog.Logger
	Protocol string
}

// NewBaseServer assembles the shared server state.
func NewBaseServer(ctx context.Context, cancel context.CancelFunc, name string, config Config, logger *slog.Logger) BaseServer {
	return BaseServer{
		Ctx:     ctx,
		Cancel:  cancel,
		Name:    name,
		Address: fmt.Sprintf("%s:%s", config.Host, config.Port),
		Config:  config,
		Logger:  logger,
	}
}

// stopAllServer stops every server even when earlier ones fail, joining
// the failures into one error.
func stopAllServer(servers ...Server) error {
	var errs []error
	for _, server := range servers {
		if err := server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopSignalHandler blocks until an interrupt arrives or the context is
// done, then stops every server.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, svcName string, servers ...Server) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		defer cancel()
		err := stopAllServer(servers...)
		if err != nil {
			logger.Error(fmt.Sprintf("%s service error during shutdown: %v", svcName, err))
		}
		logger.Info(fmt.Sprintf("%s service shutdown by signal: %s", svcName, sig))
		return err
	case <-ctx.Done():
		return nil
	}
}
