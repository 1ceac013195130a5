// seehuhn.de/go/wsocket - websocket and plain HTTP on one listening socket
// Copyright (C) 2019  Jochen Voss <voss@seehuhn.de>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package notify delivers events to subscribers asynchronously.
//
// Events are queued by Publish and handed to the subscribers, in the
// order of publication, by a single worker goroutine.  Each subscriber
// sees each event at most once: events which do not fit into the queue
// are dropped, and a subscriber which panics does not see the event
// again.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// DefaultLimit is the queue size used when New is called with limit <= 0.
const DefaultLimit = 1024

// Notifier fans out events of type T to all subscribers.
type Notifier[T any] struct {
	limit   int
	logger  *zap.Logger
	dropped atomic.Uint64

	mu          sync.Mutex
	cond        *sync.Cond
	pending     *queue.Queue
	subscribers []func(T)
	closed      bool

	done chan struct{}
}

// New creates a notifier which holds at most limit undelivered events,
// and starts its worker goroutine.  Close must be called to stop the
// worker.
func New[T any](limit int, logger *zap.Logger) *Notifier[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier[T]{
		limit:   limit,
		logger:  logger,
		pending: queue.New(),
		done:    make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

// Subscribe registers fn to be called for every event published after
// the call.  fn is called from the worker goroutine and must not block
// for long, since this delays delivery to all other subscribers.
func (n *Notifier[T]) Subscribe(fn func(T)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The worker holds on to the old slice while delivering, so we never
	// modify it in place.
	subs := make([]func(T), len(n.subscribers), len(n.subscribers)+1)
	copy(subs, n.subscribers)
	n.subscribers = append(subs, fn)
}

// Publish queues ev for delivery.  It returns false, and drops the
// event, if the queue is full or if the notifier has been closed.
func (n *Notifier[T]) Publish(ev T) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.pending.Length() >= n.limit {
		n.dropped.Add(1)
		return false
	}
	n.pending.Add(ev)
	n.cond.Signal()
	return true
}

// Pending returns the number of queued, undelivered events.
func (n *Notifier[T]) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending.Length()
}

// Dropped returns the number of events rejected by Publish.
func (n *Notifier[T]) Dropped() uint64 {
	return n.dropped.Load()
}

// Close stops accepting new events, waits until all queued events have
// been delivered, and then stops the worker goroutine.  Calling Close
// more than once is allowed.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		n.cond.Signal()
	}
	n.mu.Unlock()

	<-n.done
}

func (n *Notifier[T]) run() {
	defer close(n.done)

	for {
		n.mu.Lock()
		for n.pending.Length() == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.pending.Length() == 0 {
			// closed and drained
			n.mu.Unlock()
			return
		}
		ev := n.pending.Remove().(T)
		subs := n.subscribers
		n.mu.Unlock()

		for _, fn := range subs {
			n.deliver(fn, ev)
		}
	}
}

func (n *Notifier[T]) deliver(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("event subscriber panicked",
				zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn(ev)
}
