package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
)

// link adapts a go-ble client to device.Link. Characteristic handles are resolved
// from the profile discovered on this connection only.
type link struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	mu    sync.RWMutex
	chars map[device.CharRef]*ble.Characteristic

	closeOnce    sync.Once
	disconnected chan struct{}
}

func newLink(address string, client ble.Client, logger *logrus.Logger) *link {
	l := &link{
		address:      address,
		client:       client,
		logger:       logger,
		chars:        make(map[device.CharRef]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}

	// CoreBluetooth and HCI both report remote disconnects on the client
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor-"+address, func(context.Context) {
			select {
			case <-dc.Disconnected():
				logger.WithField("address", address).Warn("Platform reported disconnection")
				l.markDisconnected()
			case <-l.disconnected:
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return l
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

// DiscoverServices runs a forced profile discovery and indexes every characteristic
func (l *link) DiscoverServices(ctx context.Context) ([]device.ServiceInfo, error) {
	var profile *ble.Profile
	err := l.call(ctx, "discover services", func() (err error) {
		profile, err = l.client.DiscoverProfile(true)
		return err
	})
	if err != nil {
		return nil, err
	}

	chars := make(map[device.CharRef]*ble.Characteristic)
	services := make([]device.ServiceInfo, 0, len(profile.Services))
	for _, svc := range profile.Services {
		info := device.ServiceInfo{UUID: canonical(svc.UUID)}
		for _, c := range svc.Characteristics {
			id := canonical(c.UUID)
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:   id,
				Notify: c.Property&(ble.CharNotify|ble.CharIndicate) != 0,
				Read:   c.Property&ble.CharRead != 0,
				Write:  c.Property&(ble.CharWrite|ble.CharWriteNR) != 0,
			})
			chars[device.CharRef{Service: info.UUID, Characteristic: id}] = c
		}
		services = append(services, info)
	}

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered")
	return services, nil
}

func (l *link) characteristic(op string, ref device.CharRef) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[ref]
	if !ok {
		return nil, &device.Error{
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
	var data []byte
	err = l.call(ctx, "read", func() (err error) {
		data, err = l.client.ReadCharacteristic(c)
		return err
	})
	return data, err
}

func (l *link) Write(ctx context.Context, ref device.CharRef, data []byte) error {
	c, err := l.characteristic("write", ref)
	if err != nil {
		return err
	}
	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
	return l.call(ctx, "write", func() error {
		return l.client.WriteCharacteristic(c, data, noRsp)
	})
}

// EnableNotification subscribes with notifications, or indications when the
// characteristic supports only those
func (l *link) EnableNotification(ctx context.Context, ref device.CharRef, handler func([]byte)) error {
	c, err := l.characteristic("enable notification", ref)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	return l.call(ctx, "enable notification", func() error {
		return l.client.Subscribe(c, indicate, func(data []byte) {
			handler(append([]byte(nil), data...))
		})
	})
}

// Disconnect clears subscriptions and cancels the connection. Callers guarantee a
// single invocation; repeated calls are harmless.
func (l *link) Disconnect() error {
	select {
	case <-l.disconnected:
		return nil
	default:
	}
	if err := l.client.ClearSubscriptions(); err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Debug("Failed to clear subscriptions during disconnect")
	}
	err := l.client.CancelConnection()
	l.markDisconnected()
	return NormalizeError("disconnect", l.address, err)
}

// call runs a blocking go-ble request and gives up when ctx is done. go-ble requests
// are not cancellable, so an abandoned request finishes in the background.
func (l *link) call(ctx context.Context, op string, fn func() error) error {
	select {
	case <-l.disconnected:
		return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.address}
	default:
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "ble-"+op, func(context.Context) {
		done <- fn()
	})
	select {
	case err := <-done:
		return NormalizeError(op, l.address, err)
	case <-l.disconnected:
		return &device.Error{Kind: device.KindLinkLost, Op: op, Address: l.address}
	case <-ctx.Done():
		return NormalizeError(op, l.address, ctx.Err())
	}
}
