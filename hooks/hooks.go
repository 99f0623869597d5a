// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package hooks forwards named lifecycle events through the event bus.
// Every event is published on address `hooks.<event>` with local scope;
// subscribers receive the payload map verbatim.
package hooks

import (
	"github.com/takagi-works/takagi/bus"
)

// Well-known lifecycle events.
const (
	ServerStarting      = "server_starting"
	ServerStopping      = "server_stopping"
	RouterRouteAdded    = "router_route_added"
	RegistryRegistered  = "coap_registry_registered"
	ObserveSubscribed   = "observe_subscribed"
	ObserveUnsubscribed = "observe_unsubscribed"
	ObserveNotifyStart  = "observe_notify_start"
	ObserveNotifyEnd    = "observe_notify_end"
	PluginEnabling      = "plugin_enabling"
	PluginEnabled       = "plugin_enabled"
	PluginDisabled      = "plugin_disabled"
	PluginError         = "plugin_error"
)

const addressPrefix = "hooks."

// Emitter publishes hook events on the bus.
type Emitter struct {
	bus *bus.Bus
}

// NewEmitter returns an emitter bound to the given bus.
func NewEmitter(b *bus.Bus) *Emitter {
	return &Emitter{bus: b}
}

// Emit publishes the event payload. Payload maps are passed through
// unfrozen; subscriber errors are swallowed by the bus.
func (e *Emitter) Emit(event string, payload map[string]interface{}) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(addressPrefix+event, payload, bus.WithScope(bus.Local))
}

// On subscribes to one event and returns the bus handler ID.
func (e *Emitter) On(event string, fn func(payload map[string]interface{})) (string, error) {
	return e.bus.Consumer(addressPrefix+event, func(msg *bus.Message) {
		payload, _ := msg.Body.(map[string]interface{})
		fn(payload)
	}, bus.LocalOnly())
}

// Off removes a subscription made with On.
func (e *Emitter) Off(id string) bool {
	return e.bus.Unregister(id)
}
