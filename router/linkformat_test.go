// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package router_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takagi-works/takagi/router"
)

func TestLinkFormat(t *testing.T) {
	r := router.New()
	require.NoError(t, r.GET("/.well-known/core", okHandler(""), router.Meta{"rt": "core.discovery"}))
	require.NoError(t, r.GET("/ping", okHandler(""), router.Meta{"rt": "core#ping"}))
	require.NoError(t, r.Observable("/sensors/temp", okHandler(""), router.Meta{"sz": 64}))

	body := router.LinkFormat(r.Routes())

	assert.Contains(t, body, `</.well-known/core>;rt="core.discovery"`)
	assert.Contains(t, body, `</ping>;rt="core#ping"`)
	assert.Contains(t, body, `</sensors/temp>`)
	assert.Contains(t, body, `;obs`)
	assert.Contains(t, body, `;rt="core#observable"`)
	assert.Contains(t, body, `;if="takagi.observe"`)
	assert.Contains(t, body, `;sz=64`)

	// The discovery route appears once, from the fixed leading entry.
	assert.Equal(t, 1, strings.Count(body, "well-known"))

	entries := strings.Split(body, ",")
	assert.Len(t, entries, 3)
}

func TestLinkFormatMergesMethodsOnOnePath(t *testing.T) {
	r := router.New()
	require.NoError(t, r.GET("/box", okHandler(""), router.Meta{"rt": "box"}))
	require.NoError(t, r.POST("/box", okHandler(""), router.Meta{"title": "Create box"}))

	body := router.LinkFormat(r.Routes())

	assert.Equal(t, 1, strings.Count(body, "</box>"))
	assert.Contains(t, body, `rt="box"`)
	assert.Contains(t, body, `title="Create box"`)
}
