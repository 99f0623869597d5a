// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package main contains takagi main function to start the CoAP server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/caarlos0/env/v7"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/takagi-works/takagi"
	"github.com/takagi-works/takagi/api"
	"github.com/takagi-works/takagi/bus"
	"github.com/takagi-works/takagi/hooks"
	"github.com/takagi-works/takagi/internal/server"
	mglog "github.com/takagi-works/takagi/logger"
	"github.com/takagi-works/takagi/observe"
	"github.com/takagi-works/takagi/pkg/uuid"
	opsserver "github.com/takagi-works/takagi/server/ops"
	tcpserver "github.com/takagi-works/takagi/server/tcp"
	udpserver "github.com/takagi-works/takagi/server/udp"
	"golang.org/x/sync/errgroup"
)

const (
	svcName          = "takagi"
	envPrefixUDP     = "TAKAGI_UDP_"
	envPrefixTCP     = "TAKAGI_TCP_"
	envPrefixHTTP    = "TAKAGI_HTTP_"
	envPrefixBus     = "TAKAGI_BUS_"
	envPrefixObserve = "TAKAGI_OBSERVE_"
	defSvcUDPPort    = "5683"
	defSvcTCPPort    = "5683"
	defSvcHTTPPort   = "8907"
)

type config struct {
	LogLevel   string `env:"TAKAGI_LOG_LEVEL"    envDefault:"info"`
	UDPWorkers int    `env:"TAKAGI_UDP_WORKERS"  envDefault:"4"`
	InstanceID string `env:"TAKAGI_INSTANCE_ID"  envDefault:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load %s configuration : %s", svcName, err)
	}

	logger, err := mglog.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %s", err.Error())
	}

	var exitCode int
	defer mglog.ExitWithError(&exitCode)

	if cfg.InstanceID == "" {
		if cfg.InstanceID, err = uuid.New().ID(); err != nil {
			logger.Error(fmt.Sprintf("failed to generate instanceID: %s", err))
			exitCode = 1
			return
		}
	}

	busConfig := bus.Config{}
	if err := env.Parse(&busConfig, env.Options{Prefix: envPrefixBus}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s event bus configuration : %s", svcName, err))
		exitCode = 1
		return
	}
	observeConfig := observe.Config{}
	if err := env.Parse(&observeConfig, env.Options{Prefix: envPrefixObserve}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s observe configuration : %s", svcName, err))
		exitCode = 1
		return
	}

	app, err := takagi.New(takagi.Config{Bus: busConfig, Observe: observeConfig}, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create %s service: %s", svcName, err))
		exitCode = 1
		return
	}
	defer func() {
		if err := app.Shutdown(); err != nil {
			logger.Error(fmt.Sprintf("error during %s shutdown: %s", svcName, err))
		}
	}()

	var svc takagi.Service = app
	svc = api.LoggingMiddleware(svc, logger)
	counter := kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "takagi",
		Subsystem: "coap",
		Name:      "request_count",
		Help:      "Number of requests received.",
	}, []string{"method"})
	latency := kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
		Namespace: "takagi",
		Subsystem: "coap",
		Name:      "request_latency_microseconds",
		Help:      "Total duration of requests in microseconds.",
	}, []string{"method"})
	svc = api.MetricsMiddleware(svc, counter, latency)

	udpServerConfig := server.Config{Port: defSvcUDPPort}
	if err := env.Parse(&udpServerConfig, env.Options{Prefix: envPrefixUDP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s UDP server configuration : %s", svcName, err))
		exitCode = 1
		return
	}
	us := udpserver.NewServer(ctx, cancel, svcName, udpServerConfig, svc, app.Observers, cfg.UDPWorkers, logger)
	app.Observers.AttachSender(us)
	app.Observers.Start()

	tcpServerConfig := server.Config{Port: defSvcTCPPort}
	if err := env.Parse(&tcpServerConfig, env.Options{Prefix: envPrefixTCP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s TCP server configuration : %s", svcName, err))
		exitCode = 1
		return
	}
	ts := tcpserver.NewServer(ctx, cancel, svcName, tcpServerConfig, svc, logger)

	httpServerConfig := server.Config{Port: defSvcHTTPPort}
	if err := env.Parse(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err))
		exitCode = 1
		return
	}
	hs := opsserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHTTPHandler(cfg.InstanceID), logger)

	app.Hooks.Emit(hooks.ServerStarting, map[string]interface{}{"instance_id": cfg.InstanceID})

	g.Go(func() error {
		return us.Start()
	})
	g.Go(func() error {
		return ts.Start()
	})
	g.Go(func() error {
		return hs.Start()
	})
	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, us, ts, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated: %s", svcName, err))
		exitCode = 1
	}
}
