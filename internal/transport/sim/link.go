package sim

import (
	"context"
	"sync"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
)

type link struct {
	band *Band
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	handlers map[string]func([]byte)
	frames   map[string][]byte // data characteristic -> unread frame bytes
	inFlight int
	maxSeen  int
}

func newLink(b *Band) *link {
	return &link{
		band:     b,
		done:     make(chan struct{}),
		handlers: make(map[string]func([]byte)),
		frames:   make(map[string][]byte),
	}
}

func (l *link) Address() string {
	return l.band.address
}

func (l *link) Disconnected() <-chan struct{} {
	return l.done
}

// MaxConcurrentOps reports the highest number of operations observed in flight at once
func (l *link) MaxConcurrentOps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSeen
}

func (l *link) DiscoverServices(ctx context.Context) ([]device.ServiceInfo, error) {
	if err := l.begin(ctx, "discover"); err != nil {
		return nil, err
	}
	defer l.end()

	l.band.mu.Lock()
	defer l.band.mu.Unlock()
	out := make([]device.ServiceInfo, len(l.band.services))
	for i, s := range l.band.services {
		out[i] = device.ServiceInfo{UUID: s.UUID, Characteristics: append([]device.CharacteristicInfo(nil), s.Characteristics...)}
	}
	return out, nil
}

func (l *link) Read(ctx context.Context, ref device.CharRef) ([]byte, error) {
	if err := l.begin(ctx, "read"); err != nil {
		return nil, err
	}
	defer l.end()

	l.band.mu.Lock()
	chunk := l.band.chunk
	known := l.band.hasChar(ref)
	l.band.mu.Unlock()
	if !known {
		return nil, notFound(ref)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.frames[ref.Characteristic]
	n := len(pending)
	if chunk > 0 && chunk < n {
		n = chunk
	}
	out := append([]byte(nil), pending[:n]...)
	l.frames[ref.Characteristic] = pending[n:]
	return out, nil
}

func (l *link) Write(ctx context.Context, ref device.CharRef, data []byte) error {
	if err := l.begin(ctx, "write"); err != nil {
		return err
	}
	defer l.end()

	l.band.mu.Lock()
	defer l.band.mu.Unlock()
	if !l.band.hasChar(ref) {
		return notFound(ref)
	}

	req, err := codec.DecodeRequest(data, l.band.loc)
	if err != nil {
		return &device.Error{Kind: device.KindTransportFailure, Op: "write", Address: l.band.address, Msg: "band rejected request", Err: err}
	}
	l.band.requests = append(l.band.requests, req)

	ct, ok := device.DefaultCatalog().ByCode(req.Code)
	if !ok {
		return &device.Error{Kind: device.KindTransportFailure, Op: "write", Address: l.band.address, Msg: "unknown capability code"}
	}
	frame, err := l.band.pageLocked(req)
	if err != nil {
		return &device.Error{Kind: device.KindTransportFailure, Op: "write", Address: l.band.address, Msg: "band could not build page", Err: err}
	}

	l.mu.Lock()
	l.frames[ct.History.Data.Characteristic] = frame
	l.mu.Unlock()
	return nil
}

func (l *link) EnableNotification(ctx context.Context, ref device.CharRef, handler func([]byte)) error {
	if err := l.begin(ctx, "enable notification"); err != nil {
		return err
	}
	defer l.end()

	l.band.mu.Lock()
	known := l.band.hasChar(ref)
	failure := l.band.notifyErr[ref.Characteristic]
	dropAfter := l.band.dropOnEnable[ref.Characteristic]
	if known && failure == nil {
		l.band.enabled = append(l.band.enabled, ref.Characteristic)
	}
	l.band.mu.Unlock()

	if !known {
		return notFound(ref)
	}
	if failure != nil {
		return failure
	}

	l.mu.Lock()
	l.handlers[ref.Characteristic] = handler
	l.mu.Unlock()
	if dropAfter {
		l.drop()
	}
	return nil
}

func (l *link) Disconnect() error {
	l.band.mu.Lock()
	l.band.disconnectCalls++
	l.band.mu.Unlock()
	l.drop()
	return nil
}

func (l *link) notify(char string, data []byte) bool {
	l.mu.Lock()
	h := l.handlers[char]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(append([]byte(nil), data...))
	return true
}

func (l *link) drop() {
	l.once.Do(func() {
		l.band.mu.Lock()
		if l.band.link == l {
			l.band.link = nil
		}
		l.band.mu.Unlock()

		l.mu.Lock()
		l.handlers = make(map[string]func([]byte))
		l.mu.Unlock()
		close(l.done)
	})
}

// begin applies fault injection and the configured delay before an operation
func (l *link) begin(ctx context.Context, op string) error {
	select {
	case <-l.done:
		return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.band.address}
	default:
	}

	l.band.mu.Lock()
	delay := l.band.opDelay
	drop := false
	if l.band.dropAfterOps > 0 {
		l.band.dropAfterOps--
		drop = l.band.dropAfterOps == 0
	}
	l.band.mu.Unlock()

	if drop {
		l.drop()
		return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.band.address}
	}

	l.mu.Lock()
	l.inFlight++
	l.maxSeen = max(l.maxSeen, l.inFlight)
	l.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			l.end()
			return ctx.Err()
		case <-l.done:
			l.end()
			return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.band.address}
		case <-t.C:
		}
	}
	return nil
}

func (l *link) end() {
	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
}

func notFound(ref device.CharRef) error {
	return &device.Error{
		Kind: device.KindTransportFailure,
		Op:   "gatt",
		Err:  &device.NotFoundError{Resource: "characteristic", IDs: []string{ref.Service, ref.Characteristic}},
	}
}
