// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package api provides the service decorators and the operational HTTP
// surface of the CoAP server.
package api

import (
	"net/http"

	"github.com/go-zoo/bone"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/takagi-works/takagi"
)

const protocol = "coap"

// MakeHTTPHandler returns the HTTP handler for the operational endpoints.
func MakeHTTPHandler(instanceID string) http.Handler {
	b := bone.New()
	b.GetFunc("/health", takagi.Health(protocol, instanceID))
	b.Handle("/metrics", promhttp.Handler())

	return b
}
