// Package broadcast provides single-producer / multi-consumer event streams.
//
// Each subscriber owns a bounded overwrite-oldest buffer, so a slow consumer
// loses its oldest events instead of blocking the producer or other consumers.
//
//	states := broadcast.New[scan.State](broadcast.ReplayLatest, 16)
//	sub := states.Subscribe()   // immediately receives the current state
//	defer sub.Close()
//	for st := range sub.C() { ... }
package broadcast

import (
	"sync"
)

// Policy decides what a late subscriber observes
type Policy int

const (
	// ReplayLatest delivers the most recent value to every new subscriber
	ReplayLatest Policy = iota
	// NoReplay delivers only values published after subscription
	NoReplay
)

// DefaultCapacity is the per-subscriber buffer used when none is given
const DefaultCapacity = 64

// Stream fans published values out to subscribers
type Stream[T any] struct {
	mu       sync.Mutex
	policy   Policy
	capacity int
	subs     map[uint64]*ringChannel[T]
	nextID   uint64
	latest   T
	has      bool
	closed   bool
}

// New creates a stream. capacity <= 0 selects DefaultCapacity.
func New[T any](policy Policy, capacity int) *Stream[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream[T]{
		policy:   policy,
		capacity: capacity,
		subs:     make(map[uint64]*ringChannel[T]),
	}
}

// Publish delivers v to every subscriber. It never blocks. Publishing to a closed stream is a no-op.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.latest, s.has = v, true
	for _, rc := range s.subs {
		rc.forceSend(v)
	}
}

// Latest returns the most recently published value regardless of policy
func (s *Stream[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}

// Subscribe registers a new consumer. Subscribing to a closed stream yields a closed channel.
func (s *Stream[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := newRingChannel[T](s.capacity)
	sub := &Subscription[T]{rc: rc, stream: s}
	if s.closed {
		rc.close()
		return sub
	}

	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = rc
	if s.policy == ReplayLatest && s.has {
		rc.forceSend(s.latest)
	}
	return sub
}

// Subscribers returns the number of live subscriptions
func (s *Stream[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close closes every subscriber channel. Further publishes are dropped.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, rc := range s.subs {
		rc.close()
		delete(s.subs, id)
	}
}

func (s *Stream[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rc, ok := s.subs[id]; ok {
		rc.close()
		delete(s.subs, id)
	}
}

// Subscription is one consumer of a Stream
type Subscription[T any] struct {
	id     uint64
	rc     *ringChannel[T]
	stream *Stream[T]
	once   sync.Once
}

// C returns the receive channel. It is closed by Close or when the stream closes.
func (s *Subscription[T]) C() <-chan T {
	return s.rc.ch
}

// Metrics returns delivery counters for this subscriber
func (s *Subscription[T]) Metrics() Metrics {
	return s.rc.snapshot()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		if s.id != 0 {
			s.stream.unsubscribe(s.id)
		}
	})
}
