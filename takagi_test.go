// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package takagi_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takagi-works/takagi"
	"github.com/takagi-works/takagi/bus"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/logger"
	"github.com/takagi-works/takagi/observe"
	"github.com/takagi-works/takagi/pkg/format"
	"github.com/takagi-works/takagi/router"
)

var testAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 45683}

func newApp(t *testing.T) *takagi.App {
	app, err := takagi.New(takagi.Config{}, logger.NewMock())
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown() })
	return app
}

func request(code coap.Code, path string, token []byte) *coap.Message {
	m := coap.NewMessage(coap.Confirmable, code, 42, token)
	m.SetPath(path)
	return m
}

func TestPing(t *testing.T) {
	app := newApp(t)

	resp := app.HandleRequest(context.Background(), request(coap.GET, "/ping", []byte{0x01}), testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.Content, resp.Code)

	cf, ok := resp.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, coap.FormatJSON, cf)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	assert.Equal(t, "Pong", body["message"])
}

func TestEcho(t *testing.T) {
	app := newApp(t)

	req := request(coap.POST, "/echo", []byte{0xaa, 0xbb})
	req.SetUintOption(coap.OptContentFormat, uint32(coap.FormatJSON))
	req.Payload = []byte(`{"message":"hi"}`)

	resp := app.HandleRequest(context.Background(), req, testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.Content, resp.Code)
	assert.Equal(t, req.Token, resp.Token)
	assert.Equal(t, req.MessageID, resp.MessageID)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	assert.Equal(t, "hi", body["echo"])
}

func TestDiscovery(t *testing.T) {
	app := newApp(t)
	require.NoError(t, app.Observable("/sensors/temp", func(ctx context.Context, req *router.Request) (*coap.Message, error) {
		return app.Builder.JSON(req.Message, map[string]float64{"value": 21.5})
	}, nil))

	resp := app.HandleRequest(context.Background(), request(coap.GET, "/.well-known/core", []byte{0x01}), testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.Content, resp.Code)

	cf, ok := resp.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, coap.FormatLinkFormat, cf)

	body := string(resp.Payload)
	assert.Contains(t, body, "</ping>")
	assert.Contains(t, body, `/.well-known/core>;rt="core.discovery"`)
	assert.Contains(t, body, "</sensors/temp>")
	assert.Contains(t, body, ";obs")
}

func TestUnknownRoute(t *testing.T) {
	app := newApp(t)

	resp := app.HandleRequest(context.Background(), request(coap.GET, "/nothing/here", nil), testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.NotFound, resp.Code)
}

func TestObserveSubscription(t *testing.T) {
	app := newApp(t)
	require.NoError(t, app.Observable("/sensors/temp", func(ctx context.Context, req *router.Request) (*coap.Message, error) {
		return app.Builder.JSON(req.Message, map[string]float64{"value": 21.5})
	}, nil))

	sender := &fakeSender{sent: make(chan *coap.Message, 8)}
	app.Observers.AttachSender(sender)

	token := []byte{0xde, 0xad}
	req := request(coap.GET, "/sensors/temp", token)
	req.SetUintOption(coap.OptObserve, 0)

	resp := app.HandleRequest(context.Background(), req, testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.Content, resp.Code)
	assert.True(t, resp.HasOption(coap.OptObserve), "initial response must carry the Observe option")
	require.Len(t, app.Observers.Subscriptions("/sensors/temp"), 1)

	// Server-side publications reach the subscriber as NON notifications
	// with increasing sequence numbers.
	require.NoError(t, app.Notify("/sensors/temp", map[string]float64{"value": 22.0}))
	first := sender.wait(t)
	assert.Equal(t, coap.NonConfirmable, first.Type)
	assert.Equal(t, token, first.Token)
	seq1, ok := first.Observe()
	require.True(t, ok)

	require.NoError(t, app.Notify("/sensors/temp", map[string]float64{"value": 23.0}))
	second := sender.wait(t)
	seq2, ok := second.Observe()
	require.True(t, ok)
	assert.Greater(t, seq2, seq1)

	// Observe=1 deregisters.
	dereg := request(coap.GET, "/sensors/temp", token)
	dereg.SetUintOption(coap.OptObserve, 1)
	resp = app.HandleRequest(context.Background(), dereg, testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.Content, resp.Code)
	assert.Empty(t, app.Observers.Subscriptions("/sensors/temp"))
}

func TestGlobalScopeBridgesToObservers(t *testing.T) {
	app := newApp(t)

	var mu sync.Mutex
	var got []interface{}
	app.Observers.Subscribe("/state/mode", &observe.Subscription{
		Token:   []byte{0x01},
		Handler: func(v interface{}, err error) { mu.Lock(); got = append(got, v); mu.Unlock() },
	})

	require.NoError(t, app.Bus.Publish("state.mode", "eco", bus.WithScope(bus.Global)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "eco", got[0])
}

func TestPathAddressMapping(t *testing.T) {
	assert.Equal(t, "observe.sensors.temp", takagi.PathAddress("/sensors/temp"))
	assert.Equal(t, "observe.x", takagi.PathAddress("x"))
	assert.Equal(t, "/sensors/temp", takagi.AddressPath("observe.sensors.temp"))
}

func TestRuntimeMethodRegistration(t *testing.T) {
	app := newApp(t)

	// FETCH, RFC 8132. Registration is live: subsequent dispatch honors it.
	require.NoError(t, app.Registries.Methods.Register(5, "FETCH", "fetch", "RFC 8132"))
	require.NoError(t, app.Router.Handle("FETCH", "/store/:key", func(ctx context.Context, req *router.Request) (*coap.Message, error) {
		return app.Builder.JSON(req.Message, map[string]string{"key": req.Params["key"]})
	}, nil))

	req := request(coap.Code(5), "/store/alpha", []byte{0x01})
	resp := app.HandleRequest(context.Background(), req, testAddr)
	require.NotNil(t, resp)
	assert.Equal(t, coap.Content, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	assert.Equal(t, "alpha", body["key"])
}

func TestRegisterFormat(t *testing.T) {
	app := newApp(t)

	require.NoError(t, app.RegisterFormat(format.Codec{
		Code:   coap.FormatOctetStream,
		MIME:   "application/octet-stream",
		Encode: func(v interface{}) ([]byte, error) { return v.([]byte), nil },
		Decode: func(b []byte) (interface{}, error) { return b, nil },
	}, "octet_stream", "RFC 7252"))

	assert.True(t, app.Formats.Supports(coap.FormatOctetStream))
	v, ok := app.Registries.ContentFormats.Value("octet_stream")
	require.True(t, ok)
	assert.Equal(t, uint32(coap.FormatOctetStream), v)
}

func TestHooksOnRouteRegistration(t *testing.T) {
	app := newApp(t)

	events := make(chan map[string]interface{}, 1)
	_, err := app.Hooks.On("router_route_added", func(payload map[string]interface{}) {
		events <- payload
	})
	require.NoError(t, err)

	require.NoError(t, app.GET("/hooked", func(ctx context.Context, req *router.Request) (*coap.Message, error) {
		return app.Builder.JSON(req.Message, nil)
	}, nil))

	select {
	case payload := <-events:
		assert.Equal(t, "/hooked", payload["path"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for router_route_added hook")
	}
}

type fakeSender struct {
	sent chan *coap.Message
}

func (f *fakeSender) Send(addr net.Addr, msg *coap.Message) error {
	f.sent <- msg
	return nil
}

func (f *fakeSender) wait(t *testing.T) *coap.Message {
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

