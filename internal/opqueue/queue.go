// Package opqueue serializes GATT operations per link: at most one operation in flight
// per device, strict FIFO order, per-operation timeouts and sequence-matched completions.
package opqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/pkg/config"
)

// Kind is the GATT operation type
type Kind int

const (
	Read Kind = iota
	Write
	EnableNotification
	DiscoverServices
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case EnableNotification:
		return "enable-notification"
	case DiscoverServices:
		return "discover-services"
	default:
		return "unknown"
	}
}

// Operation is one queued GATT command
type Operation struct {
	Kind    Kind
	Char    device.CharRef
	Payload []byte        // Write only
	Handler func([]byte)  // EnableNotification only
	Timeout time.Duration // 0 selects the queue default
}

// Result is delivered exactly once per submitted operation
type Result struct {
	Seq      uint64
	Data     []byte
	Services []device.ServiceInfo
	Err      error
}

// Stats are cumulative queue counters
type Stats struct {
	Dispatched int64
	Completed  int64
	TimedOut   int64
	Discarded  int64 // late transport callbacks dropped by sequence mismatch
}

type item struct {
	seq    uint64
	op     Operation
	ctx    context.Context
	done   chan Result
	timer  *time.Timer
	cancel context.CancelFunc
}

type linkQueue struct {
	mu       sync.Mutex
	address  string
	link     device.Link
	pending  []*item
	inflight *item
	seq      uint64
	closed   bool
}

// Queue owns one FIFO per connected device. Queues of different devices never share a lock.
type Queue struct {
	links    *hashmap.Map[string, *linkQueue]
	timeout  time.Duration
	logger   *logrus.Logger
	shutdown atomic.Bool

	dispatched atomic.Int64
	completed  atomic.Int64
	timedOut   atomic.Int64
	discarded  atomic.Int64
}

// New creates a queue with the default per-operation timeout
func New(timeout time.Duration, logger *logrus.Logger) *Queue {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Queue{
		links:   hashmap.New[string, *linkQueue](),
		timeout: timeout,
		logger:  config.OrNop(logger),
	}
}

// Open creates the per-link queue for a connected device
func (q *Queue) Open(address string, link device.Link) error {
	if q.shutdown.Load() {
		return &device.Error{Kind: device.KindCancelled, Op: "open queue", Address: address}
	}
	lq := &linkQueue{address: address, link: link}
	// GetOrInsert never returns for a key that was deleted before (hashmap v1.0.8)
	for {
		if existing, ok := q.links.Get(address); ok {
			if !existing.isClosed() {
				return &device.Error{Kind: device.KindAlreadyInProgress, Op: "open queue", Address: address, Msg: "queue already open"}
			}
			q.links.Set(address, lq)
			break
		}
		if q.links.Insert(address, lq) {
			break
		}
	}
	q.logger.WithField("address", address).Debug("Operation queue opened")
	return nil
}

// Submit enqueues op for the device and returns the channel its single Result arrives on.
// A caller whose ctx ends before dispatch keeps its queue position; the operation is then
// completed with Cancelled without touching the transport.
func (q *Queue) Submit(ctx context.Context, address string, op Operation) <-chan Result {
	done := make(chan Result, 1)

	if q.shutdown.Load() {
		done <- Result{Err: &device.Error{Kind: device.KindCancelled, Op: op.Kind.String(), Address: address}}
		return done
	}
	lq, ok := q.links.Get(address)
	if !ok {
		done <- Result{Err: &device.Error{Kind: device.KindNotConnected, Op: op.Kind.String(), Address: address}}
		return done
	}

	lq.mu.Lock()
	defer lq.mu.Unlock()

	if lq.closed {
		done <- Result{Err: &device.Error{Kind: device.KindLinkLost, Op: op.Kind.String(), Address: address}}
		return done
	}

	lq.seq++
	it := &item{seq: lq.seq, op: op, ctx: ctx, done: done}
	lq.pending = append(lq.pending, it)
	q.logger.WithFields(logrus.Fields{
		"address": address,
		"seq":     it.seq,
		"op":      op.Kind.String(),
		"char":    op.Char.Characteristic,
		"pending": len(lq.pending),
	}).Debug("Operation queued")

	q.dispatchLocked(lq)
	return done
}

// Do submits op and waits for its result or for ctx to end
func (q *Queue) Do(ctx context.Context, address string, op Operation) (Result, error) {
	select {
	case r := <-q.Submit(ctx, address, op):
		return r, r.Err
	case <-ctx.Done():
		return Result{}, &device.Error{Kind: device.KindCancelled, Op: op.Kind.String(), Address: address, Err: ctx.Err()}
	}
}

// Close fails every queued and in-flight operation of the device with LinkLost
// and destroys its queue. Nothing is requeued across reconnects.
func (q *Queue) Close(address string, cause error) {
	lq, ok := q.links.Get(address)
	if !ok {
		return
	}
	q.links.Del(address)
	n := q.failAll(lq, &device.Error{Kind: device.KindLinkLost, Op: "queue", Address: address, Err: cause})
	q.logger.WithFields(logrus.Fields{
		"address": address,
		"failed":  n,
		"cause":   cause,
	}).Info("Operation queue closed")
}

// Shutdown fails every outstanding operation on every device with Cancelled.
// Results of operations in flight at shutdown are never delivered.
func (q *Queue) Shutdown() {
	if q.shutdown.Swap(true) {
		return
	}
	var queues []*linkQueue
	q.links.Range(func(address string, lq *linkQueue) bool {
		queues = append(queues, lq)
		return true
	})
	for _, lq := range queues {
		q.links.Del(lq.address)
		q.failAll(lq, &device.Error{Kind: device.KindCancelled, Op: "queue", Address: lq.address, Msg: "engine shutting down"})
	}
	q.logger.WithField("links", len(queues)).Info("Operation queue shut down")
}

// InFlight returns the sequence number of the operation in flight for the device
func (q *Queue) InFlight(address string) (uint64, bool) {
	lq, ok := q.links.Get(address)
	if !ok {
		return 0, false
	}
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.inflight == nil {
		return 0, false
	}
	return lq.inflight.seq, true
}

// Pending returns the number of operations waiting behind the in-flight one
func (q *Queue) Pending(address string) int {
	lq, ok := q.links.Get(address)
	if !ok {
		return 0
	}
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return len(lq.pending)
}

// IsOpen reports whether a queue exists for the device
func (q *Queue) IsOpen(address string) bool {
	_, ok := q.links.Get(address)
	return ok
}

// Stats returns cumulative counters
func (q *Queue) Stats() Stats {
	return Stats{
		Dispatched: q.dispatched.Load(),
		Completed:  q.completed.Load(),
		TimedOut:   q.timedOut.Load(),
		Discarded:  q.discarded.Load(),
	}
}

func (lq *linkQueue) isClosed() bool {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.closed
}

// dispatchLocked starts the head of the FIFO when nothing is in flight
func (q *Queue) dispatchLocked(lq *linkQueue) {
	for lq.inflight == nil && len(lq.pending) > 0 && !lq.closed {
		it := lq.pending[0]
		lq.pending[0] = nil
		lq.pending = lq.pending[1:]

		if err := it.ctx.Err(); err != nil {
			it.done <- Result{Seq: it.seq, Err: &device.Error{Kind: device.KindCancelled, Op: it.op.Kind.String(), Address: lq.address, Err: err}}
			continue
		}

		timeout := it.op.Timeout
		if timeout <= 0 {
			timeout = q.timeout
		}
		opCtx, cancel := context.WithCancel(context.Background())
		it.cancel = cancel
		lq.inflight = it
		q.dispatched.Add(1)

		seq := it.seq
		it.timer = time.AfterFunc(timeout, func() {
			q.timedOut.Add(1)
			q.complete(lq, seq, Result{Err: &device.Error{
				Kind:    device.KindOperationTimeout,
				Op:      it.op.Kind.String(),
				Address: lq.address,
				Msg:     fmt.Sprintf("%s did not complete within %s", it.op.Char.Characteristic, timeout),
			}})
		})

		link := lq.link
		groutine.Go(opCtx, fmt.Sprintf("gatt-%s-%d", lq.address, seq), func(ctx context.Context) {
			q.complete(lq, seq, execute(ctx, link, lq.address, it.op))
		})
	}
}

// complete delivers a result only when seq still matches the in-flight operation
func (q *Queue) complete(lq *linkQueue, seq uint64, res Result) {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if lq.inflight == nil || lq.inflight.seq != seq {
		q.discarded.Add(1)
		q.logger.WithFields(logrus.Fields{
			"address": lq.address,
			"seq":     seq,
		}).Debug("Discarding late operation completion")
		return
	}

	it := lq.inflight
	lq.inflight = nil
	it.timer.Stop()
	it.cancel()

	res.Seq = seq
	it.done <- res
	q.completed.Add(1)

	if res.Err != nil {
		q.logger.WithFields(logrus.Fields{
			"address": lq.address,
			"seq":     seq,
			"op":      it.op.Kind.String(),
			"error":   res.Err,
		}).Warn("Operation failed")
	}

	q.dispatchLocked(lq)
}

// failAll closes the link queue and fails everything it holds with err
func (q *Queue) failAll(lq *linkQueue, err error) int {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if lq.closed {
		return 0
	}
	lq.closed = true

	n := 0
	if it := lq.inflight; it != nil {
		lq.inflight = nil
		it.timer.Stop()
		it.cancel()
		it.done <- Result{Seq: it.seq, Err: err}
		n++
	}
	for _, it := range lq.pending {
		it.done <- Result{Seq: it.seq, Err: err}
		n++
	}
	lq.pending = nil
	return n
}

func execute(ctx context.Context, link device.Link, address string, op Operation) Result {
	var res Result
	switch op.Kind {
	case Read:
		res.Data, res.Err = link.Read(ctx, op.Char)
	case Write:
		res.Err = link.Write(ctx, op.Char, op.Payload)
	case EnableNotification:
		res.Err = link.EnableNotification(ctx, op.Char, op.Handler)
	case DiscoverServices:
		res.Services, res.Err = link.DiscoverServices(ctx)
	default:
		res.Err = &device.Error{Kind: device.KindUnsupported, Op: op.Kind.String(), Address: address}
	}
	if res.Err != nil {
		res.Err = device.Wrap(device.KindTransportFailure, op.Kind.String(), address, res.Err)
	}
	return res
}
