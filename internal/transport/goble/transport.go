// Package goble is the device.Transport backed by github.com/go-ble/ble
// (CoreBluetooth on macOS, HCI sockets on Linux).
package goble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/pkg/config"
)

// Transport is a lazily initialised go-ble stack. The platform device is created on
// first use so that constructing the transport never touches the radio.
type Transport struct {
	logger *logrus.Logger

	mu     sync.Mutex
	dev    ble.Device
	devErr error
}

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Scanner   = (*Transport)(nil)
)

// New creates a go-ble transport
func New(logger *logrus.Logger) *Transport {
	return &Transport{logger: config.OrNop(logger)}
}

func (t *Transport) Name() string {
	return "goble"
}

// platform returns the platform device, creating it once. A failed creation is retried
// on the next call so that turning the radio on recovers without a restart.
func (t *Transport) platform() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.devErr = NormalizeError("init", "", err)
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, t.devErr
	}
	ble.SetDefaultDevice(dev)
	t.dev, t.devErr = dev, nil
	return dev, nil
}

// Authorize reports platform refusals observed while creating the device. go-ble has no
// explicit permission query; CoreBluetooth prompts on first use.
func (t *Transport) Authorize(p device.Permission) error {
	if _, err := t.platform(); err != nil && errors.Is(err, device.ErrPermission) {
		return &device.Error{Kind: device.KindPermission, Op: "authorize", Msg: p.String() + " permission denied", Err: err}
	}
	return nil
}

func (t *Transport) Availability() device.Availability {
	_, err := t.platform()
	switch {
	case err == nil:
		return device.RadioOn
	case errors.Is(err, device.ErrTransportUnavailable), errors.Is(err, device.ErrPermission):
		return device.RadioOff
	default:
		return device.RadioUnsupported
	}
}

// Scan runs a duplicate-reporting platform scan until ctx is done. go-ble does not
// filter by service, so advertisements are filtered here.
func (t *Transport) Scan(ctx context.Context, filters []string, handler func(device.Advertisement)) error {
	dev, err := t.platform()
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		if c := codec.NormalizeUUID(f); c != "" {
			wanted[c] = struct{}{}
		}
	}

	t.logger.WithField("filters", filters).Debug("Platform scan starting")
	err = dev.Scan(ctx, true, func(a ble.Advertisement) {
		adv := convertAdvertisement(a)
		if len(wanted) > 0 && !matchesAny(adv.ServiceIDs, wanted) {
			return
		}
		handler(adv)
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return NormalizeError("scan", "", err)
}

func convertAdvertisement(a ble.Advertisement) device.Advertisement {
	services := a.Services()
	ids := make([]string, 0, len(services))
	for _, u := range services {
		ids = append(ids, canonical(u))
	}
	return device.Advertisement{
		Address:    strings.ToUpper(a.Addr().String()),
		Name:       a.LocalName(),
		RSSI:       a.RSSI(),
		ServiceIDs: ids,
		Timestamp:  time.Now(),
	}
}

func matchesAny(ids []string, wanted map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := wanted[id]; ok {
			return true
		}
	}
	return false
}

// canonical renders a go-ble UUID in the engine's uppercase dashed form, falling back
// to the raw string for 32-bit UUIDs
func canonical(u ble.UUID) string {
	raw := u.String()
	if c := codec.NormalizeUUID(raw); c != "" {
		return c
	}
	return strings.ToUpper(raw)
}

// Connect dials the device. The returned link owns the client until Disconnect.
func (t *Transport) Connect(ctx context.Context, address string) (device.Link, error) {
	if _, err := t.platform(); err != nil {
		return nil, err
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, NormalizeError("connect", address, err)
	}
	return newLink(address, client, t.logger), nil
}

// RemoveBond is a no-op: neither CoreBluetooth nor the HCI backend exposes unpairing,
// bonds are managed by the operating system.
func (t *Transport) RemoveBond(_ context.Context, address string) error {
	t.logger.WithField("address", address).Debug("Bond removal is managed by the platform")
	return nil
}
