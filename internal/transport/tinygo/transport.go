// Package tinygo is the device.Transport backed by tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
package tinygo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/pkg/config"
	"tinygo.org/x/bluetooth"
)

// Transport drives a single bluetooth.Adapter. The adapter only reports which of a
// given set of service UUIDs an advertisement carries, so the transport checks a
// fixed list of known services for every advertisement.
type Transport struct {
	adapter *bluetooth.Adapter
	known   []serviceMatcher
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	seen  map[string]bluetooth.Address
	links map[string]*link
}

type serviceMatcher struct {
	id   string
	uuid bluetooth.UUID
}

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Scanner   = (*Transport)(nil)
)

// New creates a transport on the default adapter. Unfiltered scans report the
// catalog's detection ids.
func New(catalog *device.Catalog, logger *logrus.Logger) *Transport {
	if catalog == nil {
		catalog = device.DefaultCatalog()
	}
	t := &Transport{
		adapter: bluetooth.DefaultAdapter,
		logger:  config.OrNop(logger),
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*link),
	}
	t.known = matchers(catalog.DetectionIDs())
	return t
}

func matchers(ids []string) []serviceMatcher {
	out := make([]serviceMatcher, 0, len(ids))
	for _, id := range ids {
		u, err := bluetooth.ParseUUID(strings.ToLower(id))
		if err != nil {
			continue
		}
		out = append(out, serviceMatcher{id: codec.NormalizeUUID(id), uuid: u})
	}
	return out
}

func (t *Transport) Name() string {
	return "tinygo"
}

// enable powers the adapter once and installs the connect handler that reports
// remote disconnects to the owning link
func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = normalizeError("enable", "", err)
			t.logger.WithField("error", err).Error("Failed to enable Bluetooth adapter")
			return
		}
		t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := strings.ToUpper(d.Address.String())
			t.mu.Lock()
			l := t.links[addr]
			delete(t.links, addr)
			t.mu.Unlock()
			if l != nil {
				t.logger.WithField("address", addr).Warn("Adapter reported disconnection")
				l.markDisconnected()
			}
		})
	})
	return t.enableErr
}

func (t *Transport) Authorize(p device.Permission) error {
	if err := t.enable(); err != nil && errors.Is(err, device.ErrPermission) {
		return &device.Error{Kind: device.KindPermission, Op: "authorize", Msg: p.String() + " permission denied", Err: err}
	}
	return nil
}

func (t *Transport) Availability() device.Availability {
	err := t.enable()
	switch {
	case err == nil:
		return device.RadioOn
	case errors.Is(err, device.ErrTransportUnavailable), errors.Is(err, device.ErrPermission):
		return device.RadioOff
	default:
		return device.RadioUnsupported
	}
}

// Scan blocks until ctx is done. Only filter services are checked when filters are given.
func (t *Transport) Scan(ctx context.Context, filters []string, handler func(device.Advertisement)) error {
	if err := t.enable(); err != nil {
		return err
	}

	candidates := t.known
	if len(filters) > 0 {
		candidates = matchers(filters)
	}

	stop := context.AfterFunc(ctx, func() {
		if err := t.adapter.StopScan(); err != nil {
			t.logger.WithField("error", err).Debug("StopScan failed")
		}
	})
	defer stop()

	t.logger.WithField("filters", filters).Debug("Platform scan starting")
	err := t.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		var ids []string
		for _, p := range candidates {
			if r.HasServiceUUID(p.uuid) {
				ids = append(ids, p.id)
			}
		}
		if len(filters) > 0 && len(ids) == 0 {
			return
		}

		addr := strings.ToUpper(r.Address.String())
		t.mu.Lock()
		t.seen[addr] = r.Address
		t.mu.Unlock()

		handler(device.Advertisement{
			Address:    addr,
			Name:       r.LocalName(),
			RSSI:       int(r.RSSI),
			ServiceIDs: ids,
			Timestamp:  time.Now(),
		})
	})
	if err != nil && ctx.Err() == nil {
		return normalizeError("scan", "", err)
	}
	return nil
}

// Connect needs the platform address captured by a previous scan
func (t *Transport) Connect(ctx context.Context, address string) (device.Link, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	address = strings.ToUpper(address)

	t.mu.Lock()
	addr, ok := t.seen[address]
	t.mu.Unlock()
	if !ok {
		return nil, &device.Error{Kind: device.KindTransportFailure, Op: "connect", Address: address, Msg: "device was not seen by a scan"}
	}

	type dialed struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan dialed, 1)
	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}
	groutine.Go(ctx, "tinygo-connect-"+address, func(context.Context) {
		dev, err := t.adapter.Connect(addr, params)
		done <- dialed{dev: dev, err: err}
	})

	select {
	case d := <-done:
		if d.err != nil {
			return nil, normalizeError("connect", address, d.err)
		}
		l := newLink(address, d.dev, t.forget, t.logger)
		t.mu.Lock()
		t.links[address] = l
		t.mu.Unlock()
		return l, nil
	case <-ctx.Done():
		// a late connection is torn down as soon as it completes
		groutine.Go(context.Background(), "tinygo-connect-abandon-"+address, func(context.Context) {
			if d := <-done; d.err == nil {
				_ = d.dev.Disconnect()
			}
		})
		return nil, normalizeError("connect", address, ctx.Err())
	}
}

// RemoveBond is a no-op: the adapter API has no unpairing call
func (t *Transport) RemoveBond(_ context.Context, address string) error {
	t.logger.WithField("address", address).Debug("Bond removal is managed by the platform")
	return nil
}

func (t *Transport) forget(address string) {
	t.mu.Lock()
	delete(t.links, address)
	t.mu.Unlock()
}
