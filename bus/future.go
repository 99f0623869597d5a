// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"
	"time"

	"github.com/takagi-works/takagi/pkg/errors"
)

// Future is a pending request-reply result.
type Future struct {
	once sync.Once
	done chan struct{}
	msg  *Message
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(msg *Message) {
	f.once.Do(func() {
		f.msg = msg
		close(f.done)
	})
}

// Done signals when the reply has arrived.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks for the reply or fails with ErrTimeout.
func (f *Future) Get(timeout time.Duration) (*Message, error) {
	select {
	case <-f.done:
		return f.msg, nil
	case <-time.After(timeout):
		return nil, errors.Wrap(ErrTimeout, errors.New("future not resolved"))
	}
}
