// Package bus is the in-process event layer between the transport session and
// consumers: typed channels with per-subscriber FIFOs and a namespaced emitter.
package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Channel fans every published value out to all current subscribers.
// Publish never blocks; each subscriber owns an unbounded FIFO, so a slow
// subscriber grows its own queue instead of stalling the publisher.
type Channel[T any] struct {
	name string

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
	closed bool
}

func NewChannel[T any](name string) *Channel[T] {
	return &Channel[T]{name: name, subs: make(map[uint64]*Subscription[T])}
}

func (c *Channel[T]) Name() string { return c.name }

// Subscribe registers a new subscriber. Values published before this call are
// not delivered to it.
func (c *Channel[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{owner: c, signal: make(chan struct{}, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.closed = true
		return s
	}
	c.nextID++
	s.id = c.nextID
	c.subs[s.id] = s
	return s
}

// Publish enqueues v for every subscriber and reports how many received it.
// With no subscribers the value is discarded.
func (c *Channel[T]) Publish(v T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if s.push(v) {
			n++
		}
	}
	return n
}

// Len is the current subscriber count.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close terminates every subscription; later Subscribe calls return closed
// subscriptions.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]*Subscription[T])
	c.closed = true
	c.mu.Unlock()
	for _, s := range subs {
		s.markClosed()
	}
}

func (c *Channel[T]) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

type Subscription[T any] struct {
	owner *Channel[T]
	id    uint64

	mu     sync.Mutex
	queue  []T
	closed bool
	signal chan struct{}
}

func (s *Subscription[T]) push(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Subscription[T]) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.notify()
}

// Recv returns the next value in publish order. It fails with
// ErrSubscriptionClosed once Close has been called, even if values were still
// queued.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.signal:
		}
	}
}

// Pending is the number of queued, undelivered values.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscriber. No value published after Close returns is
// delivered. Safe to call more than once.
func (s *Subscription[T]) Close() {
	if s.owner != nil {
		s.owner.remove(s.id)
	}
	s.markClosed()
}
