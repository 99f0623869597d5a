// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"
	"time"
)

// buffer keeps a bounded per-address ring of recent messages, limited by
// count and by age. Writes happen synchronously on publish, before local
// delivery.
type buffer struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	rings map[string][]*Message
}

func newBuffer(size int, ttl time.Duration) *buffer {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &buffer{
		size:  size,
		ttl:   ttl,
		rings: make(map[string][]*Message),
	}
}

func (b *buffer) append(address string, msg *Message) {
	b.mu.Lock()
	ring := append(b.rings[address], msg)
	if len(ring) > b.size {
		ring = ring[len(ring)-b.size:]
	}
	b.rings[address] = ring
	b.mu.Unlock()
}

func (b *buffer) replay(address string, since time.Time) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, msg := range b.rings[address] {
		if msg.Timestamp.After(since) {
			out = append(out, msg)
		}
	}
	return out
}

func (b *buffer) evict(now time.Time) {
	deadline := now.Add(-b.ttl)
	b.mu.Lock()
	for address, ring := range b.rings {
		i := 0
		for i < len(ring) && ring[i].Timestamp.Before(deadline) {
			i++
		}
		if i == len(ring) {
			delete(b.rings, address)
			continue
		}
		if i > 0 {
			b.rings[address] = ring[i:]
		}
	}
	b.mu.Unlock()
}
