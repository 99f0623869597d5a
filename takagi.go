// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package takagi assembles the CoAP framework: registries, codec, router,
// middleware, observe fan-out, event bus, hooks and plugins behind one
// application facade shared by the UDP and TCP transports.
package takagi

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/takagi-works/takagi/bus"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/hooks"
	"github.com/takagi-works/takagi/observe"
	"github.com/takagi-works/takagi/pkg/format"
	"github.com/takagi-works/takagi/plugins"
	"github.com/takagi-works/takagi/registry"
	"github.com/takagi-works/takagi/router"
)

// Service is the transport-facing API of the application. Transports hand
// every decoded request to HandleRequest; resource owners push new values
// with Notify.
type Service interface {
	// HandleRequest runs the middleware chain and router dispatch for one
	// inbound message and returns the response to send.
	HandleRequest(ctx context.Context, msg *coap.Message, addr net.Addr) *coap.Message

	// Notify publishes a new resource value to the observers of a path.
	Notify(path string, value interface{}) error
}

// Config collects the app-level tuning knobs.
type Config struct {
	Bus     bus.Config
	Observe observe.Config
}

var _ Service = (*App)(nil)

// App owns the framework state. Construct one per process with New and
// share it between transports.
type App struct {
	Registries *registry.Set
	Formats    *format.Registry
	Router     *router.Router
	Builder    *router.Builder
	Bus        *bus.Bus
	Hooks      *hooks.Emitter
	Observers  *observe.Registry
	Plugins    *plugins.Manager

	logger     *slog.Logger
	middleware []router.Middleware
	handler    router.Handler
}

// New wires the framework components together and registers the built-in
// routes.
func New(cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger}

	a.Bus = bus.New(cfg.Bus, logger)
	a.Hooks = hooks.NewEmitter(a.Bus)

	a.Registries = registry.NewSet()
	a.Registries.Attach(a.Hooks)

	a.Formats = format.NewRegistry()
	a.Builder = router.NewBuilder(a.Formats)

	a.Router = router.New()
	a.Router.Attach(a.Hooks)

	a.Observers = observe.New(cfg.Observe, a.Formats, logger)
	a.Observers.AttachEmitter(a.Hooks)

	a.Plugins = plugins.NewManager(Version, a, a.Hooks)

	if err := a.registerBuiltins(); err != nil {
		return nil, err
	}

	a.Bus.AttachBridge(a)

	a.rebuild()
	return a, nil
}

// Use appends middleware to the request pipeline. Middleware added after
// requests started flowing applies to subsequent requests.
func (a *App) Use(mw ...router.Middleware) {
	a.middleware = append(a.middleware, mw...)
	a.rebuild()
}

func (a *App) rebuild() {
	mws := append([]router.Middleware{router.RecoveryMiddleware(a.Builder, a.logger)}, a.middleware...)
	a.handler = router.Chain(a.dispatch(), mws...)
}

// GET registers a GET route.
func (a *App) GET(pattern string, h router.Handler, meta router.Meta) error {
	return a.Router.GET(pattern, h, meta)
}

// POST registers a POST route.
func (a *App) POST(pattern string, h router.Handler, meta router.Meta) error {
	return a.Router.POST(pattern, h, meta)
}

// PUT registers a PUT route.
func (a *App) PUT(pattern string, h router.Handler, meta router.Meta) error {
	return a.Router.PUT(pattern, h, meta)
}

// DELETE registers a DELETE route.
func (a *App) DELETE(pattern string, h router.Handler, meta router.Meta) error {
	return a.Router.DELETE(pattern, h, meta)
}

// Observable registers an observable resource. The handler produces the
// current-value response for new subscribers. Notifications for the path
// travel through the event bus, so hook subscribers and the message buffer
// see them too.
func (a *App) Observable(pattern string, h router.Handler, meta router.Meta) error {
	if err := a.Router.Observable(pattern, h, meta); err != nil {
		return err
	}
	path := router.NormalizePath(pattern)
	_, err := a.Bus.Consumer(PathAddress(path), func(msg *bus.Message) {
		a.Observers.Notify(path, msg.Body)
	})
	return err
}

// HandleRequest implements Service.
func (a *App) HandleRequest(ctx context.Context, msg *coap.Message, addr net.Addr) *coap.Message {
	req := &router.Request{Message: msg, Addr: addr}
	resp, err := a.handler(ctx, req)
	if err != nil || resp == nil {
		// The recovery middleware already converted handler failures; a
		// failure here means response construction itself broke.
		resp, _ = a.Builder.InternalServerError(msg)
	}
	return resp
}

// Notify publishes a new value for the path on the event bus, from where
// it fans out to the observe registry.
func (a *App) Notify(path string, value interface{}) error {
	return a.Bus.Publish(PathAddress(path), value, bus.WithScope(bus.Local))
}

// HandleGlobal bridges Global-scoped bus publications to CoAP observers.
func (a *App) HandleGlobal(msg *bus.Message) {
	if strings.HasPrefix(msg.Address, "observe.") {
		return
	}
	a.Observers.Notify("/"+strings.ReplaceAll(msg.Address, ".", "/"), msg.Body)
}

// PathAddress maps a resource path to its bus address, e.g.
// /sensors/temp -> observe.sensors.temp.
func PathAddress(path string) string {
	trimmed := strings.Trim(router.NormalizePath(path), "/")
	return "observe." + strings.ReplaceAll(trimmed, "/", ".")
}

// AddressPath is the inverse of PathAddress.
func AddressPath(address string) string {
	trimmed := strings.TrimPrefix(address, "observe.")
	return "/" + strings.ReplaceAll(trimmed, ".", "/")
}

// dispatch returns the terminal handler: observe registration for GET
// requests carrying the Observe option, route dispatch for everything
// else.
func (a *App) dispatch() router.Handler {
	terminal := router.DispatchFunc(a.Router, a.Builder, a.methodName)
	return func(ctx context.Context, req *router.Request) (*coap.Message, error) {
		msg := req.Message
		if msg.IsGet() {
			if obs, ok := msg.Observe(); ok {
				if resp, handled, err := a.handleObserve(ctx, req, obs); handled {
					return resp, err
				}
			}
		}
		return terminal(ctx, req)
	}
}

func (a *App) handleObserve(ctx context.Context, req *router.Request, obs uint32) (*coap.Message, bool, error) {
	msg := req.Message
	path := router.NormalizePath(msg.Path())
	route, params, ok := a.Router.Match(router.MethodObserve, path)
	if !ok {
		return nil, false, nil
	}
	req.Params = params

	switch obs {
	case 0:
		sub := &observe.Subscription{
			Token: msg.Token,
			Addr:  req.Addr,
		}
		a.Observers.Subscribe(path, sub)
		resp, err := route.Handler(ctx, req)
		if err != nil || resp == nil {
			return resp, true, err
		}
		if !resp.HasOption(coap.OptObserve) {
			resp.SetUintOption(coap.OptObserve, sub.Sequence())
		}
		return resp, true, nil
	case 1:
		a.Observers.Unsubscribe(path, msg.Token)
		resp, err := route.Handler(ctx, req)
		return resp, true, err
	default:
		return nil, false, nil
	}
}

// methodName resolves a request code through the method registry, so
// methods registered at runtime participate in routing.
func (a *App) methodName(c coap.Code) string {
	if name, ok := a.Registries.Methods.Name(uint32(c)); ok {
		return name
	}
	return ""
}

// RegisterFormat registers a payload codec together with its protocol
// constant, making the format usable in negotiation and discoverable by
// name.
func (a *App) RegisterFormat(codec format.Codec, symbol, rfc string) error {
	a.Formats.Register(codec)
	return a.Registries.ContentFormats.Register(uint32(codec.Code), codec.MIME, symbol, rfc)
}

// Shutdown stops the observers and the bus.
func (a *App) Shutdown() error {
	a.Hooks.Emit(hooks.ServerStopping, map[string]interface{}{})
	a.Observers.StopAll()
	return a.Bus.Close()
}
