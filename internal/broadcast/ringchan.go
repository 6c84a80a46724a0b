package broadcast

import "sync/atomic"

// ringChannel is a bounded channel with overwrite-oldest semantics.
// Producers never block: when the buffer is full the oldest element is discarded.
// Callers must serialize sends; Stream does this under its mutex.
type ringChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("broadcast: capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// forceSend inserts v, dropping the oldest buffered element if needed.
// Reports whether an element was dropped.
func (rc *ringChannel[T]) forceSend(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.metrics.addOverwritten(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.metrics.addWritten(1)

	return dropped
}

func (rc *ringChannel[T]) close() {
	close(rc.ch)
}

func (rc *ringChannel[T]) snapshot() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics counts deliveries to one subscriber. All fields are updated atomically.
type Metrics struct {
	Written     int64
	Overwritten int64
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
