// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"

	"github.com/takagi-works/takagi/coap"
)

// ResponseRegistry classifies response codes in addition to the base
// registry lookups.
type ResponseRegistry struct {
	*Registry
}

// Success reports a 2.xx code.
func (r *ResponseRegistry) Success(c coap.Code) bool { return c.Class() == 2 }

// ClientError reports a 4.xx code.
func (r *ResponseRegistry) ClientError(c coap.Code) bool { return c.Class() == 4 }

// ServerError reports a 5.xx code.
func (r *ResponseRegistry) ServerError(c coap.Code) bool { return c.Class() == 5 }

// IsError reports a 4.xx or 5.xx code.
func (r *ResponseRegistry) IsError(c coap.Code) bool {
	return r.ClientError(c) || r.ServerError(c)
}

// Dotted renders a code in the RFC notation, e.g. 69 -> "2.05".
func Dotted(c coap.Code) string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// OptionRegistry adds the critical-option check from RFC 7252 section 5.4.1.
type OptionRegistry struct {
	*Registry
}

// Critical reports whether the option number is critical (odd).
func (r *OptionRegistry) Critical(n uint32) bool { return n&1 == 1 }

// Set bundles the five protocol registries.
type Set struct {
	Methods        *Registry
	Responses      *ResponseRegistry
	Options        *OptionRegistry
	ContentFormats *Registry
	Signaling      *Registry
}

// Attach connects a hook emitter to every registry in the set.
func (s *Set) Attach(e Emitter) {
	s.Methods.Attach(e)
	s.Responses.Attach(e)
	s.Options.Attach(e)
	s.ContentFormats.Attach(e)
	s.Signaling.Attach(e)
}

// NewSet returns the registries seeded with the RFC 7252, RFC 7641 and
// RFC 8323 constants.
func NewSet() *Set {
	s := &Set{
		Methods:        New("method"),
		Responses:      &ResponseRegistry{New("response")},
		Options:        &OptionRegistry{New("option")},
		ContentFormats: New("content_format"),
		Signaling:      New("signaling"),
	}

	methods := []Entry{
		{uint32(coap.GET), "GET", "get", "RFC 7252"},
		{uint32(coap.POST), "POST", "post", "RFC 7252"},
		{uint32(coap.PUT), "PUT", "put", "RFC 7252"},
		{uint32(coap.DELETE), "DELETE", "delete", "RFC 7252"},
	}
	for _, e := range methods {
		s.Methods.Register(e.Value, e.Name, e.Symbol, e.RFC)
	}

	responses := []struct {
		code   coap.Code
		name   string
		symbol string
	}{
		{coap.Created, "Created", "created"},
		{coap.Deleted, "Deleted", "deleted"},
		{coap.Valid, "Valid", "valid"},
		{coap.Changed, "Changed", "changed"},
		{coap.Content, "Content", "content"},
		{coap.BadRequest, "Bad Request", "bad_request"},
		{coap.Unauthorized, "Unauthorized", "unauthorized"},
		{coap.BadOption, "Bad Option", "bad_option"},
		{coap.Forbidden, "Forbidden", "forbidden"},
		{coap.NotFound, "Not Found", "not_found"},
		{coap.MethodNotAllowed, "Method Not Allowed", "method_not_allowed"},
		{coap.NotAcceptable, "Not Acceptable", "not_acceptable"},
		{coap.PreconditionFailed, "Precondition Failed", "precondition_failed"},
		{coap.RequestEntityTooLarge, "Request Entity Too Large", "request_entity_too_large"},
		{coap.UnsupportedContentFormat, "Unsupported Content-Format", "unsupported_content_format"},
		{coap.InternalServerError, "Internal Server Error", "internal_server_error"},
		{coap.NotImplemented, "Not Implemented", "not_implemented"},
		{coap.BadGateway, "Bad Gateway", "bad_gateway"},
		{coap.ServiceUnavailable, "Service Unavailable", "service_unavailable"},
		{coap.GatewayTimeout, "Gateway Timeout", "gateway_timeout"},
		{coap.ProxyingNotSupported, "Proxying Not Supported", "proxying_not_supported"},
	}
	for _, e := range responses {
		s.Responses.Register(uint32(e.code), fmt.Sprintf("%s %s", Dotted(e.code), e.name), e.symbol, "RFC 7252")
	}

	options := []Entry{
		{coap.OptIfMatch, "If-Match", "if_match", "RFC 7252"},
		{coap.OptURIHost, "Uri-Host", "uri_host", "RFC 7252"},
		{coap.OptETag, "ETag", "etag", "RFC 7252"},
		{coap.OptIfNoneMatch, "If-None-Match", "if_none_match", "RFC 7252"},
		{coap.OptObserve, "Observe", "observe", "RFC 7641"},
		{coap.OptURIPort, "Uri-Port", "uri_port", "RFC 7252"},
		{coap.OptLocationPath, "Location-Path", "location_path", "RFC 7252"},
		{coap.OptURIPath, "Uri-Path", "uri_path", "RFC 7252"},
		{coap.OptContentFormat, "Content-Format", "content_format", "RFC 7252"},
		{coap.OptMaxAge, "Max-Age", "max_age", "RFC 7252"},
		{coap.OptURIQuery, "Uri-Query", "uri_query", "RFC 7252"},
		{coap.OptAccept, "Accept", "accept", "RFC 7252"},
		{coap.OptLocationQuery, "Location-Query", "location_query", "RFC 7252"},
		{coap.OptBlock2, "Block2", "block2", "RFC 7959"},
		{coap.OptBlock1, "Block1", "block1", "RFC 7959"},
		{coap.OptProxyURI, "Proxy-Uri", "proxy_uri", "RFC 7252"},
		{coap.OptProxyScheme, "Proxy-Scheme", "proxy_scheme", "RFC 7252"},
		{coap.OptSize1, "Size1", "size1", "RFC 7252"},
	}
	for _, e := range options {
		s.Options.Register(e.Value, e.Name, e.Symbol, e.RFC)
	}

	formats := []Entry{
		{uint32(coap.FormatTextPlain), "text/plain;charset=utf-8", "text", "RFC 7252"},
		{uint32(coap.FormatLinkFormat), "application/link-format", "link_format", "RFC 6690"},
		{uint32(coap.FormatXML), "application/xml", "xml", "RFC 7252"},
		{uint32(coap.FormatOctetStream), "application/octet-stream", "octet_stream", "RFC 7252"},
		{uint32(coap.FormatJSON), "application/json", "json", "RFC 7252"},
		{uint32(coap.FormatCBOR), "application/cbor", "cbor", "RFC 8949"},
	}
	for _, e := range formats {
		s.ContentFormats.Register(e.Value, e.Name, e.Symbol, e.RFC)
	}

	signaling := []struct {
		code   coap.Code
		name   string
		symbol string
	}{
		{coap.CSM, "CSM", "csm"},
		{coap.Ping, "Ping", "ping"},
		{coap.Pong, "Pong", "pong"},
		{coap.Release, "Release", "release"},
		{coap.Abort, "Abort", "abort"},
	}
	for _, e := range signaling {
		s.Signaling.Register(uint32(e.code), fmt.Sprintf("%s %s", Dotted(e.code), e.name), e.symbol, "RFC 8323")
	}

	return s
}
