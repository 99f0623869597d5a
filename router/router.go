// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package router matches CoAP requests to handlers, runs the middleware
// chain around dispatch and builds responses with content-format
// negotiation.
package router

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/pkg/errors"
)

var (
	// ErrDuplicateRoute indicates a second registration for the same
	// method and path pattern.
	ErrDuplicateRoute = errors.New("route already registered")

	// ErrNotFound indicates no route matched the request.
	ErrNotFound = errors.New("no matching route")
)

// MethodObserve is the synthetic method observable resources register
// under. Observe subscriptions arrive as GET requests carrying Observe=0
// and are dispatched against this method.
const MethodObserve = "OBSERVE"

// Request is a parsed inbound message together with extracted path
// parameters and the remote address.
type Request struct {
	Message *coap.Message
	Params  map[string]string
	Addr    net.Addr
}

// Handler processes a request into a response message.
type Handler func(ctx context.Context, req *Request) (*coap.Message, error)

// Meta holds the CoRE Link Format attributes of a route (RFC 6690):
// rt, if, ct, obs, sz, title and any free-form additions.
type Meta map[string]interface{}

// Route is one entry of the route table.
type Route struct {
	Method   string
	Pattern  string
	Handler  Handler
	Meta     Meta
	segments []string
	params   bool
}

// Emitter publishes router lifecycle events.
type Emitter interface {
	Emit(event string, payload map[string]interface{})
}

// Router holds the route table. Mutation takes the write lock; lookups
// prefer an exact key before scanning parameterized patterns.
type Router struct {
	mu         sync.RWMutex
	static     map[string]*Route
	parametric map[string][]*Route
	emitter    Emitter
}

// New returns an empty router.
func New() *Router {
	return &Router{
		static:     make(map[string]*Route),
		parametric: make(map[string][]*Route),
	}
}

// Attach connects a hook emitter for route registration events.
func (r *Router) Attach(e Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// NormalizePath collapses consecutive slashes and trims the trailing one,
// so /a//b/ and /a/b dispatch identically.
func NormalizePath(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

func splitPath(path string) []string {
	var parts []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

// Handle registers a handler for the method and path pattern. Pattern
// segments starting with a colon capture path parameters.
func (r *Router) Handle(method, pattern string, handler Handler, meta Meta) error {
	pattern = NormalizePath(pattern)
	route := &Route{
		Method:   method,
		Pattern:  pattern,
		Handler:  handler,
		Meta:     meta,
		segments: splitPath(pattern),
	}
	for _, seg := range route.segments {
		if strings.HasPrefix(seg, ":") {
			route.params = true
			break
		}
	}

	r.mu.Lock()
	key := method + " " + pattern
	if _, ok := r.static[key]; ok {
		r.mu.Unlock()
		return errors.Wrap(ErrDuplicateRoute, fmt.Errorf("%s %s", method, pattern))
	}
	if route.params {
		for _, existing := range r.parametric[method] {
			if existing.Pattern == pattern {
				r.mu.Unlock()
				return errors.Wrap(ErrDuplicateRoute, fmt.Errorf("%s %s", method, pattern))
			}
		}
		routes := append(r.parametric[method], route)
		// Lexicographic order makes dispatch between overlapping patterns
		// deterministic regardless of registration order.
		sort.Slice(routes, func(i, j int) bool { return routes[i].Pattern < routes[j].Pattern })
		r.parametric[method] = routes
	} else {
		r.static[key] = route
	}
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.Emit("router_route_added", map[string]interface{}{
			"method": method,
			"path":   pattern,
		})
	}
	return nil
}

// GET registers a GET route.
func (r *Router) GET(pattern string, handler Handler, meta Meta) error {
	return r.Handle("GET", pattern, handler, meta)
}

// POST registers a POST route.
func (r *Router) POST(pattern string, handler Handler, meta Meta) error {
	return r.Handle("POST", pattern, handler, meta)
}

// PUT registers a PUT route.
func (r *Router) PUT(pattern string, handler Handler, meta Meta) error {
	return r.Handle("PUT", pattern, handler, meta)
}

// DELETE registers a DELETE route.
func (r *Router) DELETE(pattern string, handler Handler, meta Meta) error {
	return r.Handle("DELETE", pattern, handler, meta)
}

// Observable registers an observable resource under the synthetic OBSERVE
// method with the default observe metadata.
func (r *Router) Observable(pattern string, handler Handler, meta Meta) error {
	merged := Meta{
		"obs": true,
		"rt":  "core#observable",
		"if":  "takagi.observe",
	}
	for k, v := range meta {
		merged[k] = v
	}
	return r.Handle(MethodObserve, pattern, handler, merged)
}

// Match resolves a request method and path to a route and its extracted
// path parameters. Exact routes win over parameterized ones.
func (r *Router) Match(method, path string) (*Route, map[string]string, bool) {
	path = NormalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if route, ok := r.static[method+" "+path]; ok {
		return route, nil, true
	}

	parts := splitPath(path)
	for _, route := range r.parametric[method] {
		if params, ok := matchSegments(route.segments, parts); ok {
			return route, params, true
		}
	}
	return nil, nil, false
}

func matchSegments(pattern, parts []string) (map[string]string, bool) {
	if len(pattern) != len(parts) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

// Routes returns a snapshot of every registered route.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]*Route, 0, len(r.static))
	for _, route := range r.static {
		routes = append(routes, route)
	}
	for _, list := range r.parametric {
		routes = append(routes, list...)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern == routes[j].Pattern {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Pattern < routes[j].Pattern
	})
	return routes
}

// Method maps a request code to its route table method string.
func Method(c coap.Code) string {
	switch c {
	case coap.GET:
		return "GET"
	case coap.POST:
		return "POST"
	case coap.PUT:
		return "PUT"
	case coap.DELETE:
		return "DELETE"
	default:
		return ""
	}
}
