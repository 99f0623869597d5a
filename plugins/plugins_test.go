// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package plugins_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/pkg/errors"
	"github.com/takagi-works/takagi/plugins"
	"github.com/takagi-works/takagi/router"
)

type fakeRegistrar struct {
	routes []string
}

func (f *fakeRegistrar) record(method, pattern string) error {
	f.routes = append(f.routes, method+" "+pattern)
	return nil
}

func (f *fakeRegistrar) GET(p string, h router.Handler, m router.Meta) error {
	return f.record("GET", p)
}

func (f *fakeRegistrar) POST(p string, h router.Handler, m router.Meta) error {
	return f.record("POST", p)
}

func (f *fakeRegistrar) PUT(p string, h router.Handler, m router.Meta) error {
	return f.record("PUT", p)
}

func (f *fakeRegistrar) DELETE(p string, h router.Handler, m router.Meta) error {
	return f.record("DELETE", p)
}

func (f *fakeRegistrar) Observable(p string, h router.Handler, m router.Meta) error {
	return f.record("OBSERVE", p)
}

type testPlugin struct {
	meta    plugins.Metadata
	applied []map[string]interface{}
	apply   func(reg plugins.Registrar, options map[string]interface{}) error
}

func (p *testPlugin) Metadata() plugins.Metadata { return p.meta }

func (p *testPlugin) Apply(reg plugins.Registrar, options map[string]interface{}) error {
	p.applied = append(p.applied, options)
	if p.apply != nil {
		return p.apply(reg, options)
	}
	return nil
}

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Emit(event string, payload map[string]interface{}) {
	r.events = append(r.events, event)
}

func noopHandler(ctx context.Context, req *router.Request) (*coap.Message, error) {
	return coap.NewMessage(coap.NonConfirmable, coap.Content, 0, nil), nil
}

func TestEnableLifecycle(t *testing.T) {
	reg := &fakeRegistrar{}
	emitter := &recordingEmitter{}
	m := plugins.NewManager("1.0.0", reg, emitter)

	p := &testPlugin{meta: plugins.Metadata{Name: "telemetry", Version: "0.1.0"}}
	m.Register(p)

	require.NoError(t, m.Enable("telemetry", nil))
	assert.True(t, m.Enabled("telemetry"))
	require.Len(t, p.applied, 1)
	assert.Equal(t, []string{"plugin_enabling", "plugin_enabled"}, emitter.events)
}

func TestEnableUnknown(t *testing.T) {
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, nil)
	err := m.Enable("ghost", nil)
	assert.True(t, errors.Contains(err, plugins.ErrUnknownPlugin), fmt.Sprintf("expected %v, got %v", plugins.ErrUnknownPlugin, err))
}

func TestRequiredOptionNamesPluginAndKey(t *testing.T) {
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, nil)
	m.Register(&testPlugin{meta: plugins.Metadata{
		Name: "mqtt-bridge",
		ConfigSchema: plugins.Schema{
			"host": {Type: "string", Required: true},
		},
	}})

	err := m.Enable("mqtt-bridge", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, errors.Contains(err, plugins.ErrConfig))
	assert.True(t, strings.Contains(err.Error(), "mqtt-bridge"), fmt.Sprintf("error should name the plugin: %v", err))
	assert.True(t, strings.Contains(err.Error(), "host"), fmt.Sprintf("error should name the key: %v", err))
	assert.False(t, m.Enabled("mqtt-bridge"))
}

func TestSchemaValidation(t *testing.T) {
	cases := []struct {
		desc    string
		schema  plugins.Schema
		options map[string]interface{}
		wantErr bool
	}{
		{
			desc:    "type mismatch",
			schema:  plugins.Schema{"port": {Type: "int"}},
			options: map[string]interface{}{"port": "5683"},
			wantErr: true,
		},
		{
			desc:    "enum violation",
			schema:  plugins.Schema{"mode": {Enum: []interface{}{"push", "pull"}}},
			options: map[string]interface{}{"mode": "stream"},
			wantErr: true,
		},
		{
			desc:    "range violation",
			schema:  plugins.Schema{"qos": {Range: &[2]float64{0, 2}}},
			options: map[string]interface{}{"qos": 3},
			wantErr: true,
		},
		{
			desc:    "custom validator",
			schema:  plugins.Schema{"name": {Validate: func(v interface{}) error { return fmt.Errorf("rejected") }}},
			options: map[string]interface{}{"name": "x"},
			wantErr: true,
		},
		{
			desc:    "valid options with extras passing through",
			schema:  plugins.Schema{"port": {Type: "int"}},
			options: map[string]interface{}{"port": 5683, "extra": true},
			wantErr: false,
		},
	}

	for i, tc := range cases {
		m := plugins.NewManager("1.0.0", &fakeRegistrar{}, nil)
		name := fmt.Sprintf("p%d", i)
		m.Register(&testPlugin{meta: plugins.Metadata{Name: name, ConfigSchema: tc.schema}})

		err := m.Enable(name, tc.options)
		if tc.wantErr {
			assert.True(t, errors.Contains(err, plugins.ErrConfig), fmt.Sprintf("%s: expected %v, got %v", tc.desc, plugins.ErrConfig, err))
			continue
		}
		assert.NoError(t, err, tc.desc)
	}
}

func TestSchemaDefaults(t *testing.T) {
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, nil)
	p := &testPlugin{meta: plugins.Metadata{
		Name: "defaults",
		ConfigSchema: plugins.Schema{
			"interval": {Type: "int", Default: 30},
		},
	}}
	m.Register(p)

	require.NoError(t, m.Enable("defaults", map[string]interface{}{}))
	require.Len(t, p.applied, 1)
	assert.Equal(t, 30, p.applied[0]["interval"])
}

func TestFrameworkVersionGate(t *testing.T) {
	m := plugins.NewManager("0.9.0", &fakeRegistrar{}, nil)
	m.Register(&testPlugin{meta: plugins.Metadata{Name: "future", Requires: "2.0.0"}})

	err := m.Enable("future", nil)
	assert.True(t, errors.Contains(err, plugins.ErrVersion), fmt.Sprintf("expected %v, got %v", plugins.ErrVersion, err))
}

func TestDependencyResolution(t *testing.T) {
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, nil)

	base := &testPlugin{meta: plugins.Metadata{Name: "base", Version: "1.2.0"}}
	m.Register(base)
	m.Register(&testPlugin{meta: plugins.Metadata{
		Name:         "extension",
		Dependencies: []plugins.Dependency{{Name: "base", Version: "1.0.0"}},
	}})

	require.NoError(t, m.Enable("extension", nil))
	assert.True(t, m.Enabled("base"), "dependencies are enabled recursively")
	assert.Len(t, base.applied, 1)
}

func TestDependencyVersionRequirement(t *testing.T) {
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, nil)
	m.Register(&testPlugin{meta: plugins.Metadata{Name: "base", Version: "0.5.0"}})
	m.Register(&testPlugin{meta: plugins.Metadata{
		Name:         "extension",
		Dependencies: []plugins.Dependency{{Name: "base", Version: "1.0.0"}},
	}})

	err := m.Enable("extension", nil)
	assert.True(t, errors.Contains(err, plugins.ErrVersion), fmt.Sprintf("expected %v, got %v", plugins.ErrVersion, err))
}

func TestRoutePrefixWrapping(t *testing.T) {
	reg := &fakeRegistrar{}
	m := plugins.NewManager("1.0.0", reg, nil)
	m.Register(&testPlugin{
		meta: plugins.Metadata{Name: "admin", RoutePrefix: "/admin"},
		apply: func(r plugins.Registrar, options map[string]interface{}) error {
			if err := r.GET("/status", noopHandler, nil); err != nil {
				return err
			}
			return r.POST("/reset", noopHandler, nil)
		},
	})

	require.NoError(t, m.Enable("admin", nil))
	assert.Equal(t, []string{"GET /admin/status", "POST /admin/reset"}, reg.routes)
}

func TestEnableErrorEmitsPluginError(t *testing.T) {
	emitter := &recordingEmitter{}
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, emitter)
	m.Register(&testPlugin{
		meta:  plugins.Metadata{Name: "broken"},
		apply: func(plugins.Registrar, map[string]interface{}) error { return fmt.Errorf("apply failed") },
	})

	err := m.Enable("broken", nil)
	require.Error(t, err)
	assert.Contains(t, emitter.events, "plugin_error")
	assert.False(t, m.Enabled("broken"))
}

func TestDisable(t *testing.T) {
	emitter := &recordingEmitter{}
	m := plugins.NewManager("1.0.0", &fakeRegistrar{}, emitter)
	m.Register(&testPlugin{meta: plugins.Metadata{Name: "p"}})

	require.NoError(t, m.Enable("p", nil))
	require.NoError(t, m.Disable("p"))
	assert.False(t, m.Enabled("p"))
	assert.Contains(t, emitter.events, "plugin_disabled")

	// Disabling twice is a no-op.
	require.NoError(t, m.Disable("p"))
}
