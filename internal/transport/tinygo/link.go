package tinygo

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// maxReadSize bounds one characteristic read; the band's history chunks fit in an ATT MTU
const maxReadSize = 512

type link struct {
	address string
	dev     bluetooth.Device
	forget  func(address string)
	logger  *logrus.Logger

	mu    sync.RWMutex
	chars map[device.CharRef]bluetooth.DeviceCharacteristic

	closeOnce    sync.Once
	disconnected chan struct{}
}

func newLink(address string, dev bluetooth.Device, forget func(string), logger *logrus.Logger) *link {
	return &link{
		address:      address,
		dev:          dev,
		forget:       forget,
		logger:       logger,
		chars:        make(map[device.CharRef]bluetooth.DeviceCharacteristic),
		disconnected: make(chan struct{}),
	}
}

func (l *link) Address() string {
	return l.address
}

func (l *link) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *link) markDisconnected() {
	l.closeOnce.Do(func() { close(l.disconnected) })
}

// DiscoverServices discovers every service and characteristic. The adapter does not
// expose characteristic properties on every platform, so they are left unset.
func (l *link) DiscoverServices(ctx context.Context) ([]device.ServiceInfo, error) {
	var services []device.ServiceInfo
	chars := make(map[device.CharRef]bluetooth.DeviceCharacteristic)

	err := l.call(ctx, "discover services", func() error {
		svcs, err := l.dev.DiscoverServices(nil)
		if err != nil {
			return err
		}
		for _, svc := range svcs {
			info := device.ServiceInfo{UUID: canonical(svc.UUID())}
			cs, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				return err
			}
			for _, c := range cs {
				id := canonical(c.UUID())
				info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{UUID: id})
				chars[device.CharRef{Service: info.UUID, Characteristic: id}] = c
			}
			services = append(services, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Services discovered")
	return services, nil
}

func canonical(u bluetooth.UUID) string {
	raw := u.String()
	if c := codec.NormalizeUUID(raw); c != "" {
		return c
	}
	return strings.ToUpper(raw)
}

func (l *link) characteristic(op string, ref device.CharRef) (bluetooth.DeviceCharacteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[ref]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, &device.Error{
			Kind:    device.KindCapabilityUnavailable,
			Op:      op,
			Address: l.address,
			Err:     &device.NotFoundError{Resource: "characteristic", IDs: []string{ref.Service, ref.Characteristic}},
		}
	}
	return c, nil
}

func (l *link) Read(ctx context.Context, ref device.CharRef) ([]byte, error) {
	c, err := l.characteristic("read", ref)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxReadSize)
	var n int
	err = l.call(ctx, "read", func() (err error) {
		n, err = c.Read(buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *link) Write(ctx context.Context, ref device.CharRef, data []byte) error {
	c, err := l.characteristic("write", ref)
	if err != nil {
		return err
	}
	return l.call(ctx, "write", func() error {
		_, err := c.WriteWithoutResponse(data)
		return err
	})
}

func (l *link) EnableNotification(ctx context.Context, ref device.CharRef, handler func([]byte)) error {
	c, err := l.characteristic("enable notification", ref)
	if err != nil {
		return err
	}
	return l.call(ctx, "enable notification", func() error {
		return c.EnableNotifications(func(buf []byte) {
			handler(append([]byte(nil), buf...))
		})
	})
}

func (l *link) Disconnect() error {
	select {
	case <-l.disconnected:
		return nil
	default:
	}
	l.forget(l.address)
	err := l.dev.Disconnect()
	l.markDisconnected()
	return normalizeError("disconnect", l.address, err)
}

// call runs a blocking adapter request and gives up when ctx is done or the link drops
func (l *link) call(ctx context.Context, op string, fn func() error) error {
	select {
	case <-l.disconnected:
		return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.address}
	default:
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "tinygo-"+op, func(context.Context) {
		done <- fn()
	})
	select {
	case err := <-done:
		return normalizeError(op, l.address, err)
	case <-l.disconnected:
		return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.address}
	case <-ctx.Done():
		return normalizeError(op, l.address, ctx.Err())
	}
}
