package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoReceivers is returned by Publish when no receiver is subscribed.
var ErrNoReceivers = errors.New("topic has no receivers")

// closedCh is returned by Receiver.Wait when a newer value is already
// available, so callers can select on it without blocking.
var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Topic is a single-producer, many-consumer latest-value channel, the
// fan-out bus between the dispatcher and the broadcaster shards. The
// producer never blocks: publishing replaces the current value and wakes
// every receiver. A receiver that falls behind observes only the most
// recent value — SSE delivery is best-effort, and event ids let clients
// detect gaps.
type Topic[T any] struct {
	mu        sync.Mutex
	value     T
	version   uint64
	notify    chan struct{}
	receivers atomic.Int64
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{notify: make(chan struct{})}
}

// Publish replaces the current value and wakes all receivers. It returns
// ErrNoReceivers when nobody is subscribed; the value is stored regardless.
func (t *Topic[T]) Publish(v T) error {
	t.mu.Lock()
	t.value = v
	t.version++
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()

	if t.receivers.Load() == 0 {
		return ErrNoReceivers
	}
	return nil
}

// Subscribe registers a new receiver positioned at the current version, so
// it only observes values published after this call.
func (t *Topic[T]) Subscribe() *Receiver[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers.Add(1)
	return &Receiver[T]{topic: t, seen: t.version}
}

// Receiver is one consumer's view of a Topic. Not safe for concurrent use
// by multiple goroutines.
type Receiver[T any] struct {
	topic  *Topic[T]
	seen   uint64
	closed bool
}

// Wait returns a channel that is closed once a value newer than the last
// Latest call is available. If one is already pending, the returned channel
// is already closed.
func (r *Receiver[T]) Wait() <-chan struct{} {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	if r.topic.version > r.seen {
		return closedCh
	}
	return r.topic.notify
}

// Latest returns the most recent published value and marks it as seen.
func (r *Receiver[T]) Latest() T {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	r.seen = r.topic.version
	return r.topic.value
}

// Close unregisters the receiver. Further Wait calls block indefinitely
// unless a value is published.
func (r *Receiver[T]) Close() {
	if !r.closed {
		r.closed = true
		r.topic.receivers.Add(-1)
	}
}
