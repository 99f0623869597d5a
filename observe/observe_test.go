// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package observe_test

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/logger"
	"github.com/takagi-works/takagi/observe"
	"github.com/takagi-works/takagi/pkg/format"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*coap.Message
}

func (f *fakeSender) Send(addr net.Addr, msg *coap.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) messages() []*coap.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*coap.Message(nil), f.sent...)
}

func newRegistry(t *testing.T) *observe.Registry {
	r := observe.New(observe.Config{}, format.NewRegistry(), logger.NewMock())
	t.Cleanup(r.StopAll)
	return r
}

func TestNotifySequencing(t *testing.T) {
	r := newRegistry(t)

	var values []interface{}
	sub := &observe.Subscription{
		Token:   []byte{0x01},
		Handler: func(v interface{}, err error) { values = append(values, v) },
	}
	r.Subscribe("/sensors/temp", sub)

	for i := 1; i <= 5; i++ {
		delivered := r.Notify("/sensors/temp", i*10)
		assert.Equal(t, 1, delivered, fmt.Sprintf("notify %d should reach the subscriber", i))
		assert.Equal(t, uint32(i), sub.Sequence(), fmt.Sprintf("sequence after notify %d", i))
	}
	assert.Equal(t, []interface{}{10, 20, 30, 40, 50}, values)
}

func TestNotifyDeltaFiltering(t *testing.T) {
	r := newRegistry(t)

	var values []interface{}
	sub := &observe.Subscription{
		Token:   []byte{0x02},
		Delta:   5,
		Handler: func(v interface{}, err error) { values = append(values, v) },
	}
	r.Subscribe("/sensors/temp", sub)

	// Deliveries happen when the value moved at least delta away from the
	// last delivered one: 10 (first), 16 (off by 6), 21 (off by 5).
	for _, v := range []int{10, 12, 16, 14, 21} {
		r.Notify("/sensors/temp", v)
	}

	assert.Equal(t, []interface{}{10, 16, 21}, values)
	assert.Equal(t, uint32(3), sub.Sequence())
}

func TestNotifyDeltaIgnoresNonNumeric(t *testing.T) {
	r := newRegistry(t)

	var count int
	sub := &observe.Subscription{
		Token:   []byte{0x03},
		Delta:   100,
		Handler: func(v interface{}, err error) { count++ },
	}
	r.Subscribe("/status", sub)

	r.Notify("/status", "up")
	r.Notify("/status", "down")
	assert.Equal(t, 2, count, "non-numeric values bypass the delta filter")
}

func TestRemoteNotification(t *testing.T) {
	r := newRegistry(t)
	sender := &fakeSender{}
	r.AttachSender(sender)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 56830}
	token := []byte{0xde, 0xad}
	r.Subscribe("/sensors/temp", &observe.Subscription{Token: token, Addr: addr})

	r.Notify("/sensors/temp", 21.5)
	r.Notify("/sensors/temp", 22.0)

	sent := sender.messages()
	require.Len(t, sent, 2)
	for i, msg := range sent {
		assert.Equal(t, coap.NonConfirmable, msg.Type)
		assert.Equal(t, coap.Content, msg.Code)
		assert.Equal(t, token, msg.Token)

		seq, ok := msg.Observe()
		require.True(t, ok)
		assert.Equal(t, uint32(i+1), seq, "observe sequence must be strictly monotonic")

		cf, ok := msg.ContentFormat()
		require.True(t, ok)
		assert.Equal(t, coap.FormatJSON, cf)
	}
	assert.Equal(t, []byte("21.5"), sent[0].Payload)
}

func TestUnsubscribe(t *testing.T) {
	r := newRegistry(t)

	r.Subscribe("/x", &observe.Subscription{Token: []byte{0x01}})
	r.Subscribe("/x", &observe.Subscription{Token: []byte{0x02}})

	assert.True(t, r.Unsubscribe("/x", []byte{0x01}))
	assert.False(t, r.Unsubscribe("/x", []byte{0x01}))
	assert.Len(t, r.Subscriptions("/x"), 1)

	assert.True(t, r.Unsubscribe("/x", []byte{0x02}))
	assert.Empty(t, r.Subscriptions("/x"))
}

func TestDropToken(t *testing.T) {
	r := newRegistry(t)

	r.Subscribe("/a", &observe.Subscription{Token: []byte{0x07}})
	r.Subscribe("/b", &observe.Subscription{Token: []byte{0x07}})
	r.Subscribe("/b", &observe.Subscription{Token: []byte{0x08}})

	assert.Equal(t, 2, r.DropToken([]byte{0x07}))
	assert.Empty(t, r.Subscriptions("/a"))
	assert.Len(t, r.Subscriptions("/b"), 1)
}

func TestCleanupStale(t *testing.T) {
	r := newRegistry(t)
	now := time.Now()

	stale := &observe.Subscription{Token: []byte{0x01}}
	r.Subscribe("/t", stale)
	stale.LastNotifiedAt = now.Add(-120 * time.Second)

	removed := r.CleanupStale(60*time.Second, now)
	assert.Equal(t, 1, removed)
	assert.Empty(t, r.Subscriptions("/t"))
}

func TestCleanupKeepsFreshAndLocal(t *testing.T) {
	r := newRegistry(t)
	now := time.Now()

	fresh := &observe.Subscription{Token: []byte{0x01}}
	r.Subscribe("/t", fresh)

	local := &observe.Subscription{Token: []byte{0x02}, Handler: func(interface{}, error) {}}
	r.Subscribe("/t", local)
	local.LastNotifiedAt = now.Add(-time.Hour)

	// A never-notified subscription ages from its creation time.
	removed := r.CleanupStale(60*time.Second, now)
	assert.Equal(t, 0, removed)
	assert.Len(t, r.Subscriptions("/t"), 2)

	removed = r.CleanupStale(60*time.Second, now.Add(2*time.Minute))
	assert.Equal(t, 1, removed, "the aged remote subscription goes, the local callback stays")
	assert.Len(t, r.Subscriptions("/t"), 1)
}

func TestNotifyHooks(t *testing.T) {
	r := newRegistry(t)

	var events []string
	r.AttachEmitter(emitterFunc(func(event string, payload map[string]interface{}) {
		events = append(events, event)
	}))

	sub := &observe.Subscription{Token: []byte{0x01}, Handler: func(interface{}, error) {}}
	r.Subscribe("/t", sub)
	r.Notify("/t", 1)
	r.Unsubscribe("/t", sub.Token)

	assert.Equal(t, []string{"observe_subscribed", "observe_notify_start", "observe_notify_end", "observe_unsubscribed"}, events)
}

type emitterFunc func(event string, payload map[string]interface{})

func (f emitterFunc) Emit(event string, payload map[string]interface{}) { f(event, payload) }
