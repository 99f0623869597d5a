// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the address-keyed in-process event bus backing
// the hook system and the Observe fan-out: publish/subscribe with wildcard
// matching, point-to-point round-robin delivery, request-reply with
// timeouts and optional bounded message buffering.
package bus

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/takagi-works/takagi/pkg/errors"
	"github.com/takagi-works/takagi/pkg/uuid"
)

var (
	// ErrTimeout indicates an expired request-reply exchange.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed indicates an operation on a stopped bus.
	ErrClosed = errors.New("event bus is closed")
)

// Scope tags how far a published message is distributed.
type Scope uint8

const (
	// Local delivers to this instance only. Unknown scopes normalize here.
	Local Scope = iota

	// Cluster is reserved for future use and currently behaves as Local.
	Cluster

	// Global behaves as Local plus updates the latest-state cache and
	// bridges to CoAP observers when a bridge is attached.
	Global
)

// ParseScope normalizes a scope name. Unknown names map to Local.
func ParseScope(s string) Scope {
	switch strings.ToLower(s) {
	case "cluster":
		return Cluster
	case "global":
		return Global
	default:
		return Local
	}
}

// Message is one bus delivery.
type Message struct {
	Address      string
	Body         interface{}
	Headers      map[string]string
	ReplyAddress string
	Scope        Scope
	Timestamp    time.Time

	reply func(interface{})
}

// Reply answers a request-reply message. It is a no-op when the message
// carries no reply address.
func (m *Message) Reply(body interface{}) {
	if m.reply != nil {
		m.reply(body)
	}
}

// Handler consumes bus messages. Handlers run on the bus worker pool;
// panics are recovered and logged, never propagated to the publisher.
type Handler func(msg *Message)

// Bridge receives Global-scoped publications for distribution beyond the
// local handlers, e.g. to CoAP observers while the server is running.
type Bridge interface {
	HandleGlobal(msg *Message)
}

// Config holds the bus tuning knobs.
type Config struct {
	Workers      int           `env:"WORKERS"        envDefault:"8"`
	QueueSize    int           `env:"QUEUE_SIZE"     envDefault:"1024"`
	Buffering    bool          `env:"BUFFERING"      envDefault:"false"`
	BufferSize   int           `env:"BUFFER_SIZE"    envDefault:"100"`
	BufferTTL    time.Duration `env:"BUFFER_TTL"     envDefault:"300s"`
	ReplyTimeout time.Duration `env:"REPLY_TIMEOUT"  envDefault:"30s"`
}

type handlerEntry struct {
	id        string
	address   string
	handler   Handler
	localOnly bool
}

// Bus is the in-process event bus. The mutex protects the handler map and
// round-robin cursors; delivery happens outside the lock on a worker pool.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*handlerEntry
	byID     map[string]*handlerEntry
	cursors  map[string]int
	latest   map[string]*Message
	bridge   Bridge
	closed   bool

	cfg    Config
	idp    uuid.IDProvider
	logger *slog.Logger
	buffer *buffer
	tasks  []chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New starts a bus with the given worker pool and optional buffering.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	b := &Bus{
		handlers: make(map[string][]*handlerEntry),
		byID:     make(map[string]*handlerEntry),
		cursors:  make(map[string]int),
		latest:   make(map[string]*Message),
		cfg:      cfg,
		idp:      uuid.New(),
		logger:   logger,
		tasks:    make([]chan func(), cfg.Workers),
		quit:     make(chan struct{}),
	}
	if cfg.Buffering {
		b.buffer = newBuffer(cfg.BufferSize, cfg.BufferTTL)
		b.wg.Add(1)
		go b.evictLoop()
	}
	for i := 0; i < cfg.Workers; i++ {
		b.tasks[i] = make(chan func(), cfg.QueueSize)
		b.wg.Add(1)
		go b.worker(b.tasks[i])
	}
	return b
}

// AttachBridge connects the Global-scope distribution target.
func (b *Bus) AttachBridge(br Bridge) {
	b.mu.Lock()
	b.bridge = br
	b.mu.Unlock()
}

// Close stops the worker pool. Pending queued deliveries are drained.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	b.mu.Unlock()
	close(b.quit)
	for _, tasks := range b.tasks {
		close(tasks)
	}
	b.wg.Wait()
	return nil
}

func (b *Bus) worker(tasks <-chan func()) {
	defer b.wg.Done()
	for task := range tasks {
		b.invoke(task)
	}
}

func (b *Bus) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(fmt.Sprintf("event bus handler panicked: %v", r))
		}
	}()
	task()
}

// dispatch enqueues the task on the worker owning the key. Pinning a
// handler to one worker keeps per-handler delivery in publish order.
func (b *Bus) dispatch(key string, task func()) {
	defer func() {
		// Sends on a closed task channel surface as a panic; a message
		// published during shutdown is dropped rather than crashing the
		// publisher.
		recover()
	}()
	h := fnv.New32a()
	h.Write([]byte(key))
	b.tasks[h.Sum32()%uint32(len(b.tasks))] <- task
}

func (b *Bus) evictLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.buffer.ttl / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.buffer.evict(time.Now())
		case <-b.quit:
			return
		}
	}
}

// PublishOption customizes a publication.
type PublishOption func(*Message)

// WithHeaders attaches headers to the outgoing message.
func WithHeaders(h map[string]string) PublishOption {
	return func(m *Message) { m.Headers = h }
}

// WithScope tags the publication scope.
func WithScope(s Scope) PublishOption {
	return func(m *Message) { m.Scope = s }
}

// Publish delivers the message to every local handler whose registration
// matches the address, exact or wildcard. If buffering is enabled the
// message is stored before local delivery.
func (b *Bus) Publish(address string, body interface{}, opts ...PublishOption) error {
	msg := &Message{
		Address:   address,
		Body:      body,
		Scope:     Local,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(msg)
	}

	if b.buffer != nil {
		b.buffer.append(address, msg)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*handlerEntry
	for pattern, entries := range b.handlers {
		if matchAddress(pattern, address) {
			targets = append(targets, entries...)
		}
	}
	var bridge Bridge
	if msg.Scope == Global {
		b.latest[address] = msg
		bridge = b.bridge
	}
	b.mu.Unlock()

	for _, entry := range targets {
		entry := entry
		b.dispatch(entry.id, func() { entry.handler(msg) })
	}
	if bridge != nil {
		b.dispatch("bridge", func() { bridge.HandleGlobal(msg) })
	}
	return nil
}

// ConsumerOption customizes a handler registration.
type ConsumerOption func(*handlerEntry)

// LocalOnly marks the handler as excluded from any non-local distribution.
func LocalOnly() ConsumerOption {
	return func(e *handlerEntry) { e.localOnly = true }
}

// Consumer registers a handler for an address or wildcard pattern and
// returns its handler ID.
func (b *Bus) Consumer(address string, handler Handler, opts ...ConsumerOption) (string, error) {
	id, err := b.idp.ID()
	if err != nil {
		return "", err
	}
	entry := &handlerEntry{id: id, address: address, handler: handler}
	for _, opt := range opts {
		opt(entry)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	b.handlers[address] = append(b.handlers[address], entry)
	b.byID[id] = entry
	return id, nil
}

// Unregister removes a handler by its ID.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	entries := b.handlers[entry.address]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(b.handlers, entry.address)
		delete(b.cursors, entry.address)
	} else {
		b.handlers[entry.address] = entries
	}
	return true
}

// Send delivers to exactly one handler registered on the address, selected
// by the per-address round-robin cursor. When a reply handler is given, a
// temporary consumer is registered on a unique reply address and removed
// after the first reply or the reply timeout.
func (b *Bus) Send(address string, body interface{}, replyHandler Handler, opts ...PublishOption) error {
	msg := &Message{
		Address:   address,
		Body:      body,
		Scope:     Local,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(msg)
	}

	if replyHandler != nil {
		replyID, err := b.idp.ID()
		if err != nil {
			return err
		}
		replyAddr := "reply." + replyID
		var once sync.Once
		var consumerID string
		consumerID, err = b.Consumer(replyAddr, func(reply *Message) {
			once.Do(func() {
				b.Unregister(consumerID)
				replyHandler(reply)
			})
		})
		if err != nil {
			return err
		}
		msg.ReplyAddress = replyAddr
		msg.reply = func(body interface{}) {
			b.Send(replyAddr, body, nil)
		}
		time.AfterFunc(b.cfg.ReplyTimeout, func() {
			b.Unregister(consumerID)
		})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	entries := b.handlers[address]
	if len(entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	cursor := b.cursors[address] % len(entries)
	entry := entries[cursor]
	b.cursors[address] = cursor + 1
	b.mu.Unlock()

	b.dispatch(entry.id, func() { entry.handler(msg) })
	return nil
}

// SendSync sends and blocks for the reply or the timeout.
func (b *Bus) SendSync(address string, body interface{}, timeout time.Duration) (*Message, error) {
	replies := make(chan *Message, 1)
	if err := b.Send(address, body, func(reply *Message) {
		select {
		case replies <- reply:
		default:
		}
	}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-time.After(timeout):
		return nil, errors.Wrap(ErrTimeout, fmt.Errorf("no reply on %s within %s", address, timeout))
	}
}

// SendAsync sends and returns a future that resolves with the reply.
func (b *Bus) SendAsync(address string, body interface{}) (*Future, error) {
	f := newFuture()
	if err := b.Send(address, body, func(reply *Message) {
		f.resolve(reply)
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// Replay returns buffered messages for the address since the given time in
// insertion order. Without buffering it returns nothing.
func (b *Bus) Replay(address string, since time.Time) []*Message {
	if b.buffer == nil {
		return nil
	}
	return b.buffer.replay(address, since)
}

// Latest returns the last Global-scoped message seen on the address.
func (b *Bus) Latest(address string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.latest[address]
	return msg, ok
}

// matchAddress matches a dotted pattern against an address. A `*` segment
// matches exactly one address segment; segment counts must be equal.
func matchAddress(pattern, address string) bool {
	if pattern == address {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ps := strings.Split(pattern, ".")
	as := strings.Split(address, ".")
	if len(ps) != len(as) {
		return false
	}
	for i, p := range ps {
		if p != "*" && p != as[i] {
			return false
		}
	}
	return true
}
