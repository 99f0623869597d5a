// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package plugins manages third-party extensions: registration, dependency
// resolution, config-schema validation, lifecycle events and optional
// route-prefix wrapping.
package plugins

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/takagi-works/takagi/pkg/errors"
	"github.com/takagi-works/takagi/router"
)

var (
	// ErrUnknownPlugin indicates an enable or disable for an unregistered
	// plugin.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrVersion indicates the framework or a dependency is older than a
	// plugin requires.
	ErrVersion = errors.New("version requirement not satisfied")

	// ErrConfig indicates plugin options that failed schema validation.
	ErrConfig = errors.New("invalid plugin configuration")
)

// Registrar is the route registration surface handed to plugins. The app
// implements it; route-prefix wrapping decorates it.
type Registrar interface {
	GET(pattern string, h router.Handler, meta router.Meta) error
	POST(pattern string, h router.Handler, meta router.Meta) error
	PUT(pattern string, h router.Handler, meta router.Meta) error
	DELETE(pattern string, h router.Handler, meta router.Meta) error
	Observable(pattern string, h router.Handler, meta router.Meta) error
}

// Emitter publishes plugin lifecycle events.
type Emitter interface {
	Emit(event string, payload map[string]interface{})
}

// Dependency names another plugin that must be enabled first, with an
// optional minimum version.
type Dependency struct {
	Name    string
	Version string
}

// Field describes one config key of a plugin schema.
type Field struct {
	Type     string
	Required bool
	Default  interface{}
	Enum     []interface{}
	Range    *[2]float64
	Validate func(interface{}) error
}

// Schema maps config keys to their constraints. Keys absent from the
// schema pass through untouched.
type Schema map[string]Field

// Metadata describes a plugin to the manager.
type Metadata struct {
	Name         string
	Version      string
	Requires     string
	Dependencies []Dependency
	RoutePrefix  string
	ConfigSchema Schema
}

// Plugin is the extension contract.
type Plugin interface {
	Metadata() Metadata
	Apply(reg Registrar, options map[string]interface{}) error
}

// BeforeApplier runs setup before Apply.
type BeforeApplier interface {
	BeforeApply(options map[string]interface{}) error
}

// AfterApplier runs finalization after Apply.
type AfterApplier interface {
	AfterApply(options map[string]interface{}) error
}

// Disabler tears a plugin down on disable.
type Disabler interface {
	Disable() error
}

// Manager is the mutex-protected plugin registry.
type Manager struct {
	mu        sync.Mutex
	version   string
	registrar Registrar
	emitter   Emitter
	plugins   map[string]Plugin
	enabled   map[string]bool
}

// NewManager returns a manager for the given framework version.
func NewManager(version string, registrar Registrar, emitter Emitter) *Manager {
	return &Manager{
		version:   version,
		registrar: registrar,
		emitter:   emitter,
		plugins:   make(map[string]Plugin),
		enabled:   make(map[string]bool),
	}
}

// Register adds a plugin without enabling it.
func (m *Manager) Register(p Plugin) {
	m.mu.Lock()
	m.plugins[p.Metadata().Name] = p
	m.mu.Unlock()
}

// Enabled reports whether the named plugin has been enabled.
func (m *Manager) Enabled(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[name]
}

// Enable activates a plugin: version gate, recursive dependency enable,
// schema validation, route-prefix wrapping and the apply lifecycle. Errors
// emit plugin_error and propagate.
func (m *Manager) Enable(name string, options map[string]interface{}) error {
	if err := m.enable(name, options, map[string]bool{}); err != nil {
		m.emit("plugin_error", map[string]interface{}{"plugin": name, "error": err.Error()})
		return err
	}
	return nil
}

func (m *Manager) enable(name string, options map[string]interface{}, enabling map[string]bool) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownPlugin, fmt.Errorf("plugin %q", name))
	}
	if m.enabled[name] || enabling[name] {
		m.mu.Unlock()
		return nil
	}
	enabling[name] = true
	registrar := m.registrar
	m.mu.Unlock()

	meta := p.Metadata()

	if meta.Requires != "" && compareVersions(m.version, meta.Requires) < 0 {
		return errors.Wrap(ErrVersion, fmt.Errorf("plugin %q requires framework >= %s, running %s", name, meta.Requires, m.version))
	}

	for _, dep := range meta.Dependencies {
		m.mu.Lock()
		depPlugin, present := m.plugins[dep.Name]
		m.mu.Unlock()
		if !present {
			return errors.Wrap(ErrUnknownPlugin, fmt.Errorf("plugin %q depends on missing plugin %q", name, dep.Name))
		}
		if dep.Version != "" && compareVersions(depPlugin.Metadata().Version, dep.Version) < 0 {
			return errors.Wrap(ErrVersion, fmt.Errorf("plugin %q requires %q >= %s", name, dep.Name, dep.Version))
		}
		if err := m.enable(dep.Name, nil, enabling); err != nil {
			return err
		}
	}

	validated, err := validateOptions(name, meta.ConfigSchema, options)
	if err != nil {
		return err
	}

	if meta.RoutePrefix != "" {
		registrar = &prefixedRegistrar{prefix: meta.RoutePrefix, inner: registrar}
	}

	m.emit("plugin_enabling", map[string]interface{}{"plugin": name})

	if before, ok := p.(BeforeApplier); ok {
		if err := before.BeforeApply(validated); err != nil {
			return err
		}
	}
	if err := p.Apply(registrar, validated); err != nil {
		return err
	}
	if after, ok := p.(AfterApplier); ok {
		if err := after.AfterApply(validated); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.enabled[name] = true
	m.mu.Unlock()

	m.emit("plugin_enabled", map[string]interface{}{"plugin": name, "version": meta.Version})
	return nil
}

// Disable deactivates a plugin, calling its Disable hook when present.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownPlugin, fmt.Errorf("plugin %q", name))
	}
	if !m.enabled[name] {
		m.mu.Unlock()
		return nil
	}
	delete(m.enabled, name)
	m.mu.Unlock()

	if d, ok := p.(Disabler); ok {
		if err := d.Disable(); err != nil {
			m.emit("plugin_error", map[string]interface{}{"plugin": name, "error": err.Error()})
			return err
		}
	}
	m.emit("plugin_disabled", map[string]interface{}{"plugin": name})
	return nil
}

func (m *Manager) emit(event string, payload map[string]interface{}) {
	if m.emitter != nil {
		m.emitter.Emit(event, payload)
	}
}

// validateOptions checks options against the schema. Unknown keys pass
// through; missing required keys and constraint violations fail with the
// plugin name and the offending key.
func validateOptions(plugin string, schema Schema, options map[string]interface{}) (map[string]interface{}, error) {
	validated := make(map[string]interface{}, len(options))
	for k, v := range options {
		validated[k] = v
	}
	for key, field := range schema {
		value, present := validated[key]
		if !present {
			if field.Required {
				return nil, errors.Wrap(ErrConfig, fmt.Errorf("plugin %q: missing required option %q", plugin, key))
			}
			if field.Default != nil {
				validated[key] = field.Default
			}
			continue
		}
		if field.Type != "" && !checkType(field.Type, value) {
			return nil, errors.Wrap(ErrConfig, fmt.Errorf("plugin %q: option %q must be of type %s", plugin, key, field.Type))
		}
		if len(field.Enum) > 0 && !inEnum(field.Enum, value) {
			return nil, errors.Wrap(ErrConfig, fmt.Errorf("plugin %q: option %q not in %v", plugin, key, field.Enum))
		}
		if field.Range != nil {
			n, ok := toFloat(value)
			if !ok || n < field.Range[0] || n > field.Range[1] {
				return nil, errors.Wrap(ErrConfig, fmt.Errorf("plugin %q: option %q out of range [%v, %v]", plugin, key, field.Range[0], field.Range[1]))
			}
		}
		if field.Validate != nil {
			if err := field.Validate(value); err != nil {
				return nil, errors.Wrap(ErrConfig, fmt.Errorf("plugin %q: option %q: %s", plugin, key, err))
			}
		}
	}
	return validated, nil
}

func checkType(t string, v interface{}) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		switch v.(type) {
		case int, int64:
			return true
		}
		return false
	case "float":
		_, ok := toFloat(v)
		return ok
	default:
		return true
	}
}

func inEnum(enum []interface{}, v interface{}) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// compareVersions compares dotted numeric versions, returning -1, 0 or 1.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

// prefixedRegistrar prepends the plugin's route prefix to every
// registration it makes.
type prefixedRegistrar struct {
	prefix string
	inner  Registrar
}

func (p *prefixedRegistrar) join(pattern string) string {
	return router.NormalizePath("/" + p.prefix + "/" + pattern)
}

func (p *prefixedRegistrar) GET(pattern string, h router.Handler, meta router.Meta) error {
	return p.inner.GET(p.join(pattern), h, meta)
}

func (p *prefixedRegistrar) POST(pattern string, h router.Handler, meta router.Meta) error {
	return p.inner.POST(p.join(pattern), h, meta)
}

func (p *prefixedRegistrar) PUT(pattern string, h router.Handler, meta router.Meta) error {
	return p.inner.PUT(p.join(pattern), h, meta)
}

func (p *prefixedRegistrar) DELETE(pattern string, h router.Handler, meta router.Meta) error {
	return p.inner.DELETE(p.join(pattern), h, meta)
}

func (p *prefixedRegistrar) Observable(pattern string, h router.Handler, meta router.Meta) error {
	return p.inner.Observable(p.join(pattern), h, meta)
}
