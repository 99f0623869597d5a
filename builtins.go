// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package takagi

import (
	"context"

	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/router"
)

// registerBuiltins installs the default routes every app serves: the
// RFC 6690 discovery endpoint, a ping probe and an echo resource.
func (a *App) registerBuiltins() error {
	if err := a.Router.GET("/.well-known/core", a.discoveryHandler, router.Meta{"rt": "core.discovery"}); err != nil {
		return err
	}
	if err := a.Router.GET("/ping", a.pingHandler, router.Meta{"rt": "core#ping", "title": "Liveness probe"}); err != nil {
		return err
	}
	return a.Router.POST("/echo", a.echoHandler, router.Meta{"rt": "core#echo"})
}

func (a *App) discoveryHandler(ctx context.Context, req *router.Request) (*coap.Message, error) {
	body := router.LinkFormat(a.Router.Routes())
	return a.Builder.Content(req.Message, body, router.Force(coap.FormatLinkFormat))
}

func (a *App) pingHandler(ctx context.Context, req *router.Request) (*coap.Message, error) {
	return a.Builder.JSON(req.Message, map[string]string{"message": "Pong"})
}

func (a *App) echoHandler(ctx context.Context, req *router.Request) (*coap.Message, error) {
	msg := req.Message

	code, ok := msg.ContentFormat()
	if !ok {
		code = coap.FormatJSON
	}
	decoded, err := a.Formats.Decode(code, msg.Payload)
	if err != nil {
		return a.Builder.BadRequest(msg, "Malformed payload")
	}

	echo := interface{}(decoded)
	if m, ok := decoded.(map[string]interface{}); ok {
		if v, ok := m["message"]; ok {
			echo = v
		}
	}
	return a.Builder.JSON(msg, map[string]interface{}{"echo": echo})
}
