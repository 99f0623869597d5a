// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"

	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/pkg/errors"
	"github.com/takagi-works/takagi/pkg/format"
)

var (
	// ErrNotAcceptable indicates an Accept option the route cannot serve.
	ErrNotAcceptable = errors.New("requested content format not acceptable")

	// ErrUnsupportedFormat indicates a forced content format with no codec.
	ErrUnsupportedFormat = errors.New("unsupported content format")
)

// HaltError aborts the rest of a handler and surfaces a prepared response.
type HaltError struct {
	Resp *coap.Message
}

func (h *HaltError) Error() string {
	return fmt.Sprintf("halted with %d.%02d", h.Resp.Code.Class(), h.Resp.Code.Detail())
}

// Halt returns an error that makes the dispatch pipeline answer with the
// given response immediately.
func Halt(resp *coap.Message) error {
	return &HaltError{Resp: resp}
}

// BuildOpts parameterize response construction.
type BuildOpts struct {
	// Allowed lists the content formats the route can serve, in
	// preference order.
	Allowed []uint16

	// Force overrides negotiation with a fixed content format.
	Force *uint16

	// Options are extra options appended to the response.
	Options []coap.Option
}

// BuildOption mutates BuildOpts.
type BuildOption func(*BuildOpts)

// Allow sets the allowed content-format list.
func Allow(formats ...uint16) BuildOption {
	return func(o *BuildOpts) { o.Allowed = formats }
}

// Force fixes the response content format, bypassing Accept negotiation.
func Force(format uint16) BuildOption {
	return func(o *BuildOpts) { o.Force = &format }
}

// WithOptions appends extra options to the response.
func WithOptions(opts ...coap.Option) BuildOption {
	return func(o *BuildOpts) { o.Options = append(o.Options, opts...) }
}

// Builder constructs responses, negotiating the content format against the
// serialization registry.
type Builder struct {
	formats *format.Registry
}

// NewBuilder returns a builder over the given serialization registry.
func NewBuilder(f *format.Registry) *Builder {
	return &Builder{formats: f}
}

// Formats exposes the serialization registry backing the builder.
func (b *Builder) Formats() *format.Registry {
	return b.formats
}

// Negotiate picks the response content format: a forced format must be
// registered; an Accept option must be both registered and in the allowed
// list, with no exception for a route that allows nothing; otherwise the
// first allowed registered format wins, falling back to JSON.
func (b *Builder) Negotiate(req *coap.Message, allowed []uint16, force *uint16) (uint16, error) {
	if force != nil {
		if !b.formats.Supports(*force) {
			return 0, errors.Wrap(ErrUnsupportedFormat, fmt.Errorf("content format %d", *force))
		}
		return *force, nil
	}
	if accept, ok := req.Accept(); ok {
		if !b.formats.Supports(accept) {
			return 0, errors.Wrap(ErrNotAcceptable, fmt.Errorf("content format %d", accept))
		}
		for _, f := range allowed {
			if f == accept {
				return accept, nil
			}
		}
		return 0, errors.Wrap(ErrNotAcceptable, fmt.Errorf("content format %d", accept))
	}
	for _, f := range allowed {
		if b.formats.Supports(f) {
			return f, nil
		}
	}
	return coap.FormatJSON, nil
}

// Build constructs a response to req with the given code and payload.
// Negotiation failures surface as 4.06 or 4.15 responses, not errors.
func (b *Builder) Build(req *coap.Message, code coap.Code, payload interface{}, opts ...BuildOption) (*coap.Message, error) {
	var o BuildOpts
	for _, opt := range opts {
		opt(&o)
	}

	selected, err := b.Negotiate(req, o.Allowed, o.Force)
	if err != nil {
		switch {
		case errors.Contains(err, ErrNotAcceptable):
			return b.Error(req, coap.NotAcceptable, "Not Acceptable")
		case errors.Contains(err, ErrUnsupportedFormat):
			return b.Error(req, coap.UnsupportedContentFormat, "Unsupported Content-Format")
		default:
			return nil, err
		}
	}

	resp := b.skeleton(req, code)
	for _, opt := range o.Options {
		resp.AddOption(opt.Number, opt.Value)
	}

	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	default:
		body, err = b.formats.Encode(selected, payload)
		if err != nil {
			return nil, err
		}
	}
	resp.Payload = body
	if len(body) > 0 && !resp.HasOption(coap.OptContentFormat) {
		resp.SetUintOption(coap.OptContentFormat, uint32(selected))
	}
	return resp, nil
}

func (b *Builder) skeleton(req *coap.Message, code coap.Code) *coap.Message {
	return &coap.Message{
		Version:   1,
		Type:      coap.NonConfirmable,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Transport: req.Transport,
	}
}

// JSON builds a 2.05 Content response with a JSON payload.
func (b *Builder) JSON(req *coap.Message, payload interface{}) (*coap.Message, error) {
	return b.Build(req, coap.Content, payload, Force(coap.FormatJSON))
}

// Content builds a 2.05 response.
func (b *Builder) Content(req *coap.Message, payload interface{}, opts ...BuildOption) (*coap.Message, error) {
	return b.Build(req, coap.Content, payload, opts...)
}

// Created builds a 2.01 response.
func (b *Builder) Created(req *coap.Message, payload interface{}, opts ...BuildOption) (*coap.Message, error) {
	return b.Build(req, coap.Created, payload, opts...)
}

// Changed builds a 2.04 response.
func (b *Builder) Changed(req *coap.Message, payload interface{}, opts ...BuildOption) (*coap.Message, error) {
	return b.Build(req, coap.Changed, payload, opts...)
}

// Deleted builds a 2.02 response.
func (b *Builder) Deleted(req *coap.Message, payload interface{}, opts ...BuildOption) (*coap.Message, error) {
	return b.Build(req, coap.Deleted, payload, opts...)
}

// Valid builds a 2.03 response.
func (b *Builder) Valid(req *coap.Message, payload interface{}, opts ...BuildOption) (*coap.Message, error) {
	return b.Build(req, coap.Valid, payload, opts...)
}

// Error builds an error response with a JSON {"error": message} body.
func (b *Builder) Error(req *coap.Message, code coap.Code, message string) (*coap.Message, error) {
	resp := b.skeleton(req, code)
	body, err := b.formats.Encode(coap.FormatJSON, map[string]string{"error": message})
	if err != nil {
		return nil, err
	}
	resp.Payload = body
	resp.SetUintOption(coap.OptContentFormat, uint32(coap.FormatJSON))
	return resp, nil
}

// BadRequest builds a 4.00 response.
func (b *Builder) BadRequest(req *coap.Message, message string) (*coap.Message, error) {
	return b.Error(req, coap.BadRequest, message)
}

// Unauthorized builds a 4.01 response.
func (b *Builder) Unauthorized(req *coap.Message, message string) (*coap.Message, error) {
	return b.Error(req, coap.Unauthorized, message)
}

// Forbidden builds a 4.03 response.
func (b *Builder) Forbidden(req *coap.Message, message string) (*coap.Message, error) {
	return b.Error(req, coap.Forbidden, message)
}

// NotFound builds a 4.04 response.
func (b *Builder) NotFound(req *coap.Message, message string) (*coap.Message, error) {
	return b.Error(req, coap.NotFound, message)
}

// MethodNotAllowed builds a 4.05 response.
func (b *Builder) MethodNotAllowed(req *coap.Message, message string) (*coap.Message, error) {
	return b.Error(req, coap.MethodNotAllowed, message)
}

// InternalServerError builds a 5.00 response.
func (b *Builder) InternalServerError(req *coap.Message) (*coap.Message, error) {
	return b.Error(req, coap.InternalServerError, "Internal Server Error")
}

// Dispatch returns the terminal handler that resolves the route table,
// converting a miss to 4.04.
func Dispatch(r *Router, b *Builder) Handler {
	return DispatchFunc(r, b, Method)
}

// DispatchFunc is Dispatch with a custom request-code resolver, so methods
// registered at runtime participate in routing.
func DispatchFunc(r *Router, b *Builder, method func(coap.Code) string) Handler {
	return func(ctx context.Context, req *Request) (*coap.Message, error) {
		m := method(req.Message.Code)
		if m == "" {
			return b.MethodNotAllowed(req.Message, "Method Not Allowed")
		}
		route, params, ok := r.Match(m, req.Message.Path())
		if !ok {
			return b.NotFound(req.Message, "Not Found")
		}
		req.Params = params
		return route.Handler(ctx, req)
	}
}
