// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package observe implements the RFC 7641 server side: the subscription
// registry, notification fan-out with sequence numbers and delta
// filtering, and the stale-observer sweep.
package observe

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/pkg/format"
)

// The Observe option value wraps at 24 bits, RFC 7641 section 4.4.
const sequenceMask = 1<<24 - 1

// Sender delivers notification messages to a remote observer. The UDP
// transport provides the production implementation.
type Sender interface {
	Send(addr net.Addr, msg *coap.Message) error
}

// Emitter publishes observe lifecycle events.
type Emitter interface {
	Emit(event string, payload map[string]interface{})
}

// Config holds the sweep tuning knobs.
type Config struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"  envDefault:"60s"`
	MaxAge        time.Duration `env:"MAX_AGE"         envDefault:"300s"`
}

// Subscription is one observer of a path, keyed by (path, token). Remote
// observers carry an address; local observers carry a callback instead.
type Subscription struct {
	Path    string
	Token   []byte
	Addr    net.Addr
	Handler func(value interface{}, err error)
	Delta   float64

	CreatedAt      time.Time
	LastNotifiedAt time.Time

	lastValue interface{}
	hasLast   bool
	seq       uint32
}

// Sequence returns the last delivered sequence number.
func (s *Subscription) Sequence() uint32 {
	return s.seq
}

// Registry owns the per-path subscription lists. A single mutex protects
// the map; notification snapshots the list and delivers outside the lock.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]*Subscription

	cfg     Config
	formats *format.Registry
	sender  Sender
	emitter Emitter
	logger  *slog.Logger

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New returns a registry. Start launches the staleness sweep.
func New(cfg Config, formats *format.Registry, logger *slog.Logger) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 300 * time.Second
	}
	return &Registry{
		subs:    make(map[string][]*Subscription),
		cfg:     cfg,
		formats: formats,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// AttachSender connects the transport used for remote notifications.
func (r *Registry) AttachSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// AttachEmitter connects the hook emitter.
func (r *Registry) AttachEmitter(e Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// Start runs the periodic stale-observer sweep until StopAll.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := r.CleanupStale(r.cfg.MaxAge, time.Now()); removed > 0 {
					r.logger.Info(fmt.Sprintf("Removed %d stale observers.", removed))
				}
			case <-r.quit:
				return
			}
		}
	}()
}

// Subscribe appends the subscription to the path's observer list.
func (r *Registry) Subscribe(path string, sub *Subscription) {
	sub.Path = path
	sub.CreatedAt = time.Now()

	r.mu.Lock()
	r.subs[path] = append(r.subs[path], sub)
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.Emit("observe_subscribed", map[string]interface{}{
			"path":  path,
			"token": fmt.Sprintf("%x", sub.Token),
		})
	}
}

// Unsubscribe removes the first subscription on the path with the given
// token.
func (r *Registry) Unsubscribe(path string, token []byte) bool {
	r.mu.Lock()
	subs := r.subs[path]
	removed := false
	for i, sub := range subs {
		if bytes.Equal(sub.Token, token) {
			subs = append(subs[:i], subs[i+1:]...)
			removed = true
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, path)
	} else {
		r.subs[path] = subs
	}
	emitter := r.emitter
	r.mu.Unlock()

	if removed && emitter != nil {
		emitter.Emit("observe_unsubscribed", map[string]interface{}{
			"path":  path,
			"token": fmt.Sprintf("%x", token),
		})
	}
	return removed
}

// DropToken removes every subscription carrying the token, across all
// paths. Used when a RST arrives for a notification, which carries no
// path. Returns the number removed.
func (r *Registry) DropToken(token []byte) int {
	r.mu.Lock()
	removed := 0
	for path, subs := range r.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if bytes.Equal(sub.Token, token) {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(r.subs, path)
		} else {
			r.subs[path] = kept
		}
	}
	r.mu.Unlock()
	return removed
}

// Subscriptions returns a snapshot of the observers on a path.
func (r *Registry) Subscriptions(path string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.subs[path]...)
}

// Notify fans the new value out to every observer of the path. Observers
// with a delta threshold only see changes of at least that magnitude.
// Returns the number of deliveries.
func (r *Registry) Notify(path string, value interface{}) int {
	r.mu.Lock()
	subs := append([]*Subscription(nil), r.subs[path]...)
	emitter := r.emitter
	sender := r.sender
	r.mu.Unlock()

	if emitter != nil {
		emitter.Emit("observe_notify_start", map[string]interface{}{"path": path, "observers": len(subs)})
	}

	delivered := 0
	for _, sub := range subs {
		if !r.shouldDeliver(sub, value) {
			continue
		}
		r.deliver(sub, value, sender)
		delivered++
	}

	if emitter != nil {
		emitter.Emit("observe_notify_end", map[string]interface{}{"path": path, "delivered": delivered})
	}
	return delivered
}

// shouldDeliver applies the delta filter: with a threshold set and a prior
// value recorded, only changes of at least delta go out.
func (r *Registry) shouldDeliver(sub *Subscription, value interface{}) bool {
	if sub.Delta <= 0 || !sub.hasLast {
		return true
	}
	last, ok1 := asFloat(sub.lastValue)
	current, ok2 := asFloat(value)
	if !ok1 || !ok2 {
		return true
	}
	return math.Abs(last-current) >= sub.Delta
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// deliver updates the subscription state and hands the value to the local
// callback or sends a NON notification to the remote observer.
func (r *Registry) deliver(sub *Subscription, value interface{}, sender Sender) {
	r.mu.Lock()
	sub.seq = (sub.seq + 1) & sequenceMask
	sub.lastValue = value
	sub.hasLast = true
	sub.LastNotifiedAt = time.Now()
	seq := sub.seq
	r.mu.Unlock()

	if sub.Handler != nil {
		sub.Handler(value, nil)
		return
	}
	if sender == nil || sub.Addr == nil {
		return
	}

	msg := coap.NewMessage(coap.NonConfirmable, coap.Content, 0, sub.Token)
	msg.SetUintOption(coap.OptObserve, seq)
	payload, err := r.formats.Encode(coap.FormatJSON, value)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Can't encode notification for %s: %s.", sub.Path, err))
		return
	}
	msg.Payload = payload
	msg.SetUintOption(coap.OptContentFormat, uint32(coap.FormatJSON))

	if err := sender.Send(sub.Addr, msg); err != nil {
		r.logger.Warn(fmt.Sprintf("Error sending notification to %s: %s.", sub.Addr, err))
	}
}

// CleanupStale removes subscriptions with no local callback that have seen
// no activity for maxAge, counting from the last notification or, absent
// one, from creation. Returns the number removed.
func (r *Registry) CleanupStale(maxAge time.Duration, now time.Time) int {
	deadline := now.Add(-maxAge)

	r.mu.Lock()
	removed := 0
	for path, subs := range r.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.Handler == nil && lastActivity(sub).Before(deadline) {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(r.subs, path)
		} else {
			r.subs[path] = kept
		}
	}
	r.mu.Unlock()
	return removed
}

func lastActivity(sub *Subscription) time.Time {
	if !sub.LastNotifiedAt.IsZero() {
		return sub.LastNotifiedAt
	}
	return sub.CreatedAt
}

// StopAll drops every subscription and stops the sweep loop.
func (r *Registry) StopAll() {
	r.once.Do(func() { close(r.quit) })
	r.wg.Wait()

	r.mu.Lock()
	r.subs = make(map[string][]*Subscription)
	r.mu.Unlock()
}
