// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package format maps CoAP Content-Format codes to payload codecs. The
// registry is runtime-extensible so plugins can bring their own media
// types.
package format

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/pkg/errors"
)

var (
	// ErrUnknownFormat indicates an unregistered content-format code.
	ErrUnknownFormat = errors.New("unknown content format")

	// ErrEncode indicates a payload the codec could not serialize.
	ErrEncode = errors.New("failed to encode payload")

	// ErrDecode indicates bytes the codec could not parse.
	ErrDecode = errors.New("failed to decode payload")
)

// Codec serializes payload objects for one content-format code.
type Codec struct {
	Code   uint16
	MIME   string
	Encode func(interface{}) ([]byte, error)
	Decode func([]byte) (interface{}, error)
}

// Registry is a mutex-protected table of codecs keyed by content-format
// code.
type Registry struct {
	mu     sync.Mutex
	codecs map[uint16]Codec
}

// NewRegistry returns a registry seeded with the baseline codecs:
// text/plain (0), application/link-format (40), application/json (50) and
// application/cbor (60).
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[uint16]Codec)}

	r.Register(Codec{
		Code:   coap.FormatTextPlain,
		MIME:   "text/plain;charset=utf-8",
		Encode: encodeText,
		Decode: func(b []byte) (interface{}, error) { return string(b), nil },
	})
	r.Register(Codec{
		Code:   coap.FormatLinkFormat,
		MIME:   "application/link-format",
		Encode: encodeText,
		Decode: func(b []byte) (interface{}, error) { return string(b), nil },
	})
	r.Register(Codec{
		Code: coap.FormatJSON,
		MIME: "application/json",
		Encode: func(v interface{}) ([]byte, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrap(ErrEncode, err)
			}
			return b, nil
		},
		Decode: func(b []byte) (interface{}, error) {
			var v interface{}
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, errors.Wrap(ErrDecode, err)
			}
			return v, nil
		},
	})
	r.Register(Codec{
		Code: coap.FormatCBOR,
		MIME: "application/cbor",
		Encode: func(v interface{}) ([]byte, error) {
			b, err := cbor.Marshal(v)
			if err != nil {
				return nil, errors.Wrap(ErrEncode, err)
			}
			return b, nil
		},
		Decode: func(b []byte) (interface{}, error) {
			var v interface{}
			if err := cbor.Unmarshal(b, &v); err != nil {
				return nil, errors.Wrap(ErrDecode, err)
			}
			return v, nil
		},
	})

	return r
}

func encodeText(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return []byte(fmt.Sprint(t)), nil
	}
}

// Register adds or replaces the codec for its content-format code.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.Code] = c
	r.mu.Unlock()
}

// Lookup returns the codec for a content-format code.
func (r *Registry) Lookup(code uint16) (Codec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codecs[code]
	return c, ok
}

// Supports reports whether a codec is registered for the code.
func (r *Registry) Supports(code uint16) bool {
	_, ok := r.Lookup(code)
	return ok
}

// Encode serializes the payload with the codec registered for the code.
func (r *Registry) Encode(code uint16, v interface{}) ([]byte, error) {
	c, ok := r.Lookup(code)
	if !ok {
		return nil, errors.Wrap(ErrUnknownFormat, fmt.Errorf("content format %d", code))
	}
	return c.Encode(v)
}

// Decode parses payload bytes with the codec registered for the code.
func (r *Registry) Decode(code uint16, b []byte) (interface{}, error) {
	c, ok := r.Lookup(code)
	if !ok {
		return nil, errors.Wrap(ErrUnknownFormat, fmt.Errorf("content format %d", code))
	}
	return c.Decode(b)
}
