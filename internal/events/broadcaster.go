package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber queue length used when none is given
const DefaultBufferSize = 64

// Broadcaster fans a stream of T out to any number of subscribers.
// Every subscriber owns a bounded queue; when it is full the oldest queued
// value is discarded to make room, so Publish never waits on a slow reader.
// T is the type of the value published
type Broadcaster[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]*Subscription[T]
	nextID      uint64
	bufferSize  int
	replayLast  bool
	lastEvent   *T
}

// Subscription is the handle returned by Subscribe
type Subscription[T any] struct {
	id          uint64
	ch          chan T
	broadcaster *Broadcaster[T]
	dropped     atomic.Uint64
	closed      bool // protected by broadcaster.mu
}

// NewBroadcaster creates a Broadcaster.
// bufferSize: queue length per subscriber, values < 1 fall back to DefaultBufferSize
// replayLast: if true, a new subscriber immediately receives the most recently
// published value (useful for state-like streams such as battery or connection status)
func NewBroadcaster[T any](bufferSize int, replayLast bool) *Broadcaster[T] {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster[T]{
		subscribers: make(map[uint64]*Subscription[T]),
		bufferSize:  bufferSize,
		replayLast:  replayLast,
	}
}

// Subscribe registers a new subscriber and returns its handle
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription[T]{
		id:          b.nextID,
		ch:          make(chan T, b.bufferSize),
		broadcaster: b,
	}
	b.nextID++
	b.subscribers[sub.id] = sub

	if b.replayLast && b.lastEvent != nil {
		sub.ch <- *b.lastEvent
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
// Calling it more than once, or with nil, is a no-op.
func (b *Broadcaster[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil || sub.broadcaster != b {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subscribers, sub.id)
	close(sub.ch)
}

// Publish delivers value to every subscriber.
// The lock is held across the sends so that all subscribers observe the same
// order and a channel is never closed mid-send. Each send is non-blocking,
// which bounds the critical section to O(subscribers).
func (b *Broadcaster[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.replayLast {
		if b.lastEvent == nil {
			b.lastEvent = new(T)
		}
		*b.lastEvent = value
	}

	for _, sub := range b.subscribers {
		sub.push(value)
	}
}

// SubscriberCount returns the current number of subscribers
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone. Later Subscribe calls still work.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		sub.closed = true
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// push must be called with broadcaster.mu held
func (s *Subscription[T]) push(value T) {
	for {
		select {
		case s.ch <- value:
			return
		default:
		}
		// full: evict the oldest entry; the reader may have emptied a slot already
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side of the subscription. It is closed on Unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe is shorthand for broadcaster.Unsubscribe(s)
func (s *Subscription[T]) Unsubscribe() {
	s.broadcaster.Unsubscribe(s)
}

// Dropped returns how many values were evicted from this subscriber's queue
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}
