// Package sim is an in-memory band transport. It backs the test suites of every
// engine component and the CLI's --transport sim mode.
package sim

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/pkg/config"
)

// Transport simulates the platform BLE stack for a set of bands
type Transport struct {
	mu           sync.Mutex
	bands        map[string]*Band
	grants       map[device.Permission]bool
	availability device.Availability
	scanErr      error
	interval     time.Duration
	connectDelay time.Duration
	stopDelay    time.Duration
	bondsRemoved []string
	logger       *logrus.Logger

	scanStarts  atomic.Int32
	activeScans atomic.Int32
	maxScans    atomic.Int32
}

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Scanner   = (*Transport)(nil)
)

// New creates a transport with every permission granted and the radio on
func New(logger *logrus.Logger, bands ...*Band) *Transport {
	t := &Transport{
		bands:        make(map[string]*Band),
		grants:       map[device.Permission]bool{device.PermissionScan: true, device.PermissionConnect: true},
		availability: device.RadioOn,
		interval:     20 * time.Millisecond,
		logger:       config.OrNop(logger),
	}
	for _, b := range bands {
		t.bands[b.address] = b
	}
	return t
}

func (t *Transport) Name() string {
	return "sim"
}

// AddBand makes another band visible
func (t *Transport) AddBand(b *Band) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bands[b.address] = b
}

// Band returns the simulated band with the address
func (t *Transport) Band(address string) (*Band, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bands[address]
	return b, ok
}

// SetPermission grants or revokes a permission
func (t *Transport) SetPermission(p device.Permission, granted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grants[p] = granted
}

// SetAvailability switches the simulated adapter state
func (t *Transport) SetAvailability(a device.Availability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.availability = a
}

// FailScan makes the next scans fail with err once they start; nil clears it
func (t *Transport) FailScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

// SetAdvertiseInterval changes how often each band advertises while scanning
func (t *Transport) SetAdvertiseInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = d
}

// SetConnectDelay delays every connection attempt
func (t *Transport) SetConnectDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectDelay = d
}

// SetScanStopDelay makes Scan linger after cancellation before it returns,
// the way a platform stack takes time to stop discovery
func (t *Transport) SetScanStopDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopDelay = d
}

// ScanStarts counts platform scan starts
func (t *Transport) ScanStarts() int {
	return int(t.scanStarts.Load())
}

// MaxConcurrentScans reports the highest number of overlapping platform scans
func (t *Transport) MaxConcurrentScans() int {
	return int(t.maxScans.Load())
}

// BondsRemoved lists addresses passed to RemoveBond
func (t *Transport) BondsRemoved() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.bondsRemoved)
}

func (t *Transport) Authorize(p device.Permission) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.grants[p] {
		return &device.Error{Kind: device.KindPermission, Msg: "missing " + p.String() + " permission"}
	}
	return nil
}

func (t *Transport) Availability() device.Availability {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availability
}

// Scan advertises every band matching the filters each interval until ctx is done
func (t *Transport) Scan(ctx context.Context, filters []string, handler func(device.Advertisement)) error {
	t.scanStarts.Add(1)
	n := t.activeScans.Add(1)
	defer t.activeScans.Add(-1)
	for {
		m := t.maxScans.Load()
		if n <= m || t.maxScans.CompareAndSwap(m, n) {
			break
		}
	}

	t.mu.Lock()
	scanErr, interval, stopDelay := t.scanErr, t.interval, t.stopDelay
	t.mu.Unlock()
	if scanErr != nil {
		return scanErr
	}

	t.logger.WithField("filters", filters).Debug("sim: scan started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, adv := range t.advertisements(filters) {
			handler(adv)
		}
		select {
		case <-ctx.Done():
			time.Sleep(stopDelay)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transport) advertisements(filters []string) []device.Advertisement {
	t.mu.Lock()
	bands := make([]*Band, 0, len(t.bands))
	for _, b := range t.bands {
		bands = append(bands, b)
	}
	t.mu.Unlock()

	var out []device.Advertisement
	for _, b := range bands {
		if b.Connected() {
			continue
		}
		adv := b.Advertisement()
		if len(filters) == 0 || slices.ContainsFunc(adv.ServiceIDs, func(id string) bool { return slices.Contains(filters, id) }) {
			out = append(out, adv)
		}
	}
	slices.SortFunc(out, func(a, b device.Advertisement) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return out
}

func (t *Transport) Connect(ctx context.Context, address string) (device.Link, error) {
	t.mu.Lock()
	b, ok := t.bands[address]
	delay := t.connectDelay
	t.mu.Unlock()
	if !ok {
		return nil, &device.Error{
			Kind:    device.KindTransportFailure,
			Op:      "connect",
			Address: address,
			Err:     &device.NotFoundError{Resource: "device", IDs: []string{address}},
		}
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	if b.link != nil {
		return nil, &device.Error{Kind: device.KindTransportFailure, Op: "connect", Address: address, Msg: "already connected"}
	}
	l := newLink(b)
	b.link = l
	b.connects++
	t.logger.WithField("address", address).Debug("sim: connected")
	return l, nil
}

func (t *Transport) RemoveBond(_ context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bondsRemoved = append(t.bondsRemoved, address)
	return nil
}
