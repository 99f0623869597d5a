// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/pkg/errors"
	"github.com/takagi-works/takagi/registry"
)

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Emit(event string, payload map[string]interface{}) {
	r.events = append(r.events, fmt.Sprintf("%s:%v", event, payload["value"]))
}

func TestRegister(t *testing.T) {
	cases := []struct {
		desc   string
		value  uint32
		name   string
		symbol string
		err    error
	}{
		{
			desc:   "new entry",
			value:  65000,
			name:   "X-Custom",
			symbol: "x_custom",
			err:    nil,
		},
		{
			desc:   "exact duplicate is idempotent",
			value:  65000,
			name:   "X-Custom",
			symbol: "x_custom",
			err:    nil,
		},
		{
			desc:   "same value different symbol conflicts",
			value:  65000,
			name:   "X-Other",
			symbol: "x_other",
			err:    registry.ErrConflict,
		},
	}

	r := registry.New("option")
	for _, tc := range cases {
		err := r.Register(tc.value, tc.name, tc.symbol, "RFC 7252")
		if tc.err == nil {
			assert.NoError(t, err, tc.desc)
			continue
		}
		assert.True(t, errors.Contains(err, tc.err), fmt.Sprintf("%s: expected %v, got %v", tc.desc, tc.err, err))
	}
}

func TestLookups(t *testing.T) {
	s := registry.NewSet()

	name, ok := s.Responses.Name(uint32(coap.Content))
	require.True(t, ok)
	assert.Equal(t, "2.05 Content", name)

	name, ok = s.Responses.Name(uint32(coap.NotFound))
	require.True(t, ok)
	assert.Equal(t, "4.04 Not Found", name)

	v, ok := s.Methods.Value("GET")
	require.True(t, ok)
	assert.Equal(t, uint32(coap.GET), v)

	v, ok = s.Methods.Value("get")
	require.True(t, ok)
	assert.Equal(t, uint32(coap.GET), v)

	rfc, ok := s.Options.RFC(coap.OptObserve)
	require.True(t, ok)
	assert.Equal(t, "RFC 7641", rfc)

	_, ok = s.Methods.Value("PATCH")
	assert.False(t, ok)

	v, ok = s.Signaling.Value("csm")
	require.True(t, ok)
	assert.Equal(t, uint32(coap.CSM), v)
	assert.Equal(t, uint32(225), v)
}

func TestResponseClassification(t *testing.T) {
	s := registry.NewSet()

	assert.True(t, s.Responses.Success(coap.Content))
	assert.False(t, s.Responses.Success(coap.NotFound))
	assert.True(t, s.Responses.ClientError(coap.NotFound))
	assert.True(t, s.Responses.ServerError(coap.InternalServerError))
	assert.True(t, s.Responses.IsError(coap.NotFound))
	assert.True(t, s.Responses.IsError(coap.InternalServerError))
	assert.False(t, s.Responses.IsError(coap.Content))

	assert.Equal(t, "2.05", registry.Dotted(coap.Content))
	assert.Equal(t, "4.04", registry.Dotted(coap.NotFound))
	assert.Equal(t, "7.01", registry.Dotted(coap.CSM))
}

func TestOptionCriticality(t *testing.T) {
	s := registry.NewSet()

	assert.True(t, s.Options.Critical(coap.OptURIPath))
	assert.False(t, s.Options.Critical(coap.OptObserve))
	assert.True(t, s.Options.Critical(coap.OptURIQuery))
	assert.False(t, s.Options.Critical(coap.OptMaxAge))
}

func TestValuesSnapshot(t *testing.T) {
	s := registry.NewSet()

	values := s.Methods.Values()
	assert.Equal(t, []uint32{1, 2, 3, 4}, values)

	all := s.Signaling.All()
	require.Len(t, all, 5)
	assert.Equal(t, uint32(225), all[0].Value)
	assert.Equal(t, uint32(229), all[4].Value)
}

func TestRegisterEmitsHook(t *testing.T) {
	r := registry.New("content_format")
	emitter := &recordingEmitter{}
	r.Attach(emitter)

	err := r.Register(1200, "application/vnd.custom", "custom", "")
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)
	assert.Equal(t, "coap_registry_registered:1200", emitter.events[0])

	// An idempotent re-register must not emit again.
	err = r.Register(1200, "application/vnd.custom", "custom", "")
	require.NoError(t, err)
	assert.Len(t, emitter.events, 1)
}
