// Package connection drives the GATT lifecycle of each band: connect, service discovery,
// subscription orchestration, link-loss supervision and exactly-once release of the link handle.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/internal/opqueue"
	"github.com/srg/bandsync/internal/registry"
	"github.com/srg/bandsync/pkg/config"
)

// Options configures connection attempts
type Options struct {
	ConnectTimeout time.Duration `default:"15s"`
}

// Notification is one value pushed by a band on a subscribed characteristic
type Notification struct {
	Address        string
	Capability     device.CapabilityID
	Characteristic string
	Data           []byte
	At             time.Time
}

// conn owns the transport handle of one connected device
type conn struct {
	address string
	link    device.Link
	ctx     context.Context
	cancel  context.CancelCauseFunc
	release sync.Once
	subMu   sync.Mutex // serializes subscribe loops of this device
}

// Manager is the single owner of every transport link
type Manager struct {
	transport device.Transport
	registry  *registry.Registry
	queue     *opqueue.Queue
	opts      Options
	logger    *logrus.Logger
	group     *groutine.Group

	mu         sync.Mutex
	conns      map[string]*conn
	connecting map[string]struct{}
	closed     bool

	notifications *broadcast.Stream[Notification]
}

// NewManager creates a manager. opts may be nil.
func NewManager(transport device.Transport, reg *registry.Registry, queue *opqueue.Queue, opts *Options, logger *logrus.Logger) *Manager {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	defaults.SetDefaults(&o)
	logger = config.OrNop(logger)
	return &Manager{
		transport:     transport,
		registry:      reg,
		queue:         queue,
		opts:          o,
		logger:        logger,
		group:         groutine.NewGroup(context.Background(), logger),
		conns:         make(map[string]*conn),
		connecting:    make(map[string]struct{}),
		notifications: broadcast.New[Notification](broadcast.NoReplay, broadcast.DefaultCapacity),
	}
}

// authorize checks the live connect grant and radio state
func (m *Manager) authorize(op, address string) error {
	if err := m.transport.Authorize(device.PermissionConnect); err != nil {
		return device.Wrap(device.KindPermission, op, address, err)
	}
	switch m.transport.Availability() {
	case device.RadioOff:
		return &device.Error{Kind: device.KindTransportUnavailable, Op: op, Address: address, Msg: "bluetooth radio is off"}
	case device.RadioUnsupported:
		return &device.Error{Kind: device.KindTransportUnavailable, Op: op, Address: address, Msg: "bluetooth is not supported"}
	}
	return nil
}

// Connect establishes the link, discovers services and subscribes the requested types.
// Subscription failures of individual types are logged and do not fail the connection.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if err := m.authorize("connect", address); err != nil {
		return err
	}
	if _, ok := m.registry.Device(address); !ok {
		return &device.NotFoundError{Resource: "device", IDs: []string{address}}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &device.Error{Kind: device.KindCancelled, Op: "connect", Address: address}
	}
	if _, ok := m.conns[address]; ok {
		m.mu.Unlock()
		m.logger.WithField("address", address).Debug("Connect called while already connected")
		return nil
	}
	if _, ok := m.connecting[address]; ok {
		m.mu.Unlock()
		return &device.Error{Kind: device.KindAlreadyInProgress, Op: "connect", Address: address, Msg: "connection attempt in progress"}
	}
	m.connecting[address] = struct{}{}
	m.mu.Unlock()

	c, err := m.establish(ctx, address)

	m.mu.Lock()
	delete(m.connecting, address)
	if err == nil && m.closed {
		err = &device.Error{Kind: device.KindCancelled, Op: "connect", Address: address}
	} else if err == nil {
		m.conns[address] = c
	}
	m.mu.Unlock()

	if err != nil {
		if c != nil {
			_ = m.release(c, err, true)
		}
		return err
	}

	m.group.Go("link-watch-"+address, func(ctx context.Context) {
		m.watch(ctx, c)
	})

	if err := m.discover(ctx, c); err != nil {
		_ = m.release(c, err, true)
		return err
	}
	if err := m.subscribe(ctx, c); errors.Is(err, device.ErrLinkLost) {
		return err
	} else if err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Some capability subscriptions failed")
	}
	return nil
}

// establish dials the transport and opens the operation queue
func (m *Manager) establish(ctx context.Context, address string) (*conn, error) {
	_ = m.registry.UpdateConnectionState(address, device.Connecting)
	m.logger.WithFields(logrus.Fields{
		"address":   address,
		"transport": m.transport.Name(),
		"timeout":   m.opts.ConnectTimeout,
	}).Info("Connecting to band...")

	connCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	link, err := m.transport.Connect(connCtx, address)
	if err != nil {
		_ = m.registry.UpdateConnectionState(address, device.Disconnected)
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &device.Error{Kind: device.KindOperationTimeout, Op: "connect", Address: address, Msg: fmt.Sprintf("no connection within %s", m.opts.ConnectTimeout), Err: err}
		}
		if ctx.Err() != nil {
			return nil, &device.Error{Kind: device.KindCancelled, Op: "connect", Address: address, Err: err}
		}
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to connect")
		return nil, device.Wrap(device.KindTransportFailure, "connect", address, err)
	}

	linkCtx, linkCancel := context.WithCancelCause(context.Background())
	c := &conn{address: address, link: link, ctx: linkCtx, cancel: linkCancel}

	if err := m.queue.Open(address, link); err != nil {
		return c, err
	}
	_ = m.registry.UpdateConnectionState(address, device.Connected)
	return c, nil
}

func (m *Manager) discover(ctx context.Context, c *conn) error {
	res, err := m.queue.Do(ctx, c.address, opqueue.Operation{Kind: opqueue.DiscoverServices})
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Error("Service discovery failed")
		return err
	}
	if err := m.registry.SetServices(c.address, res.Services); err != nil {
		return err
	}

	chars := 0
	for _, s := range res.Services {
		chars += len(s.Characteristics)
	}
	m.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(res.Services),
		"characteristics": chars,
	}).Info("Band connected successfully")
	return nil
}

// Subscribe re-runs the subscription loop, e.g. after RequestTypes on a connected device
func (m *Manager) Subscribe(ctx context.Context, address string) error {
	if err := m.authorize("subscribe", address); err != nil {
		return err
	}
	c, ok := m.lookup(address)
	if !ok {
		return &device.Error{Kind: device.KindNotConnected, Op: "subscribe", Address: address}
	}
	return m.subscribe(ctx, c)
}

// subscribe enables notifications for each requested and recognized type whose
// characteristics were discovered, in catalog order. Subscribed types are skipped.
func (m *Manager) subscribe(ctx context.Context, c *conn) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	d, ok := m.registry.Device(c.address)
	if !ok {
		return &device.NotFoundError{Resource: "device", IDs: []string{c.address}}
	}
	if !d.ServicesDiscovered {
		return &device.Error{Kind: device.KindNotConnected, Op: "subscribe", Address: c.address, Msg: "services not discovered"}
	}

	catalog := m.registry.Catalog()
	var errs []error
	for _, id := range catalog.IDs() {
		if !d.Requests(id) || !d.Recognizes(id) || d.Subscription(id) == device.Subscribed {
			continue
		}
		ct, _ := catalog.Get(id)
		if !present(d, ct.Notify) {
			m.logger.WithFields(logrus.Fields{
				"address":    c.address,
				"capability": id,
			}).Debug("Skipping subscription, characteristics not discovered")
			continue
		}

		if err := m.enable(ctx, c, id, ct.Notify); err != nil {
			errs = append(errs, err)
			continue
		}
		if c.ctx.Err() != nil {
			return errors.Join(append(errs, context.Cause(c.ctx))...)
		}
		// the registry refuses SUBSCRIBED once release has moved the device out of CONNECTED
		if err := m.registry.SetSubscriptionState(c.address, id, device.Subscribed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func present(d device.Device, refs []device.CharRef) bool {
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if !d.HasCharacteristic(ref.Service, ref.Characteristic) {
			return false
		}
	}
	return true
}

func (m *Manager) enable(ctx context.Context, c *conn, id device.CapabilityID, refs []device.CharRef) error {
	for _, ref := range refs {
		_, err := m.queue.Do(ctx, c.address, opqueue.Operation{
			Kind:    opqueue.EnableNotification,
			Char:    ref,
			Handler: m.notificationHandler(c.address, id, ref.Characteristic),
		})
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"address":    c.address,
				"capability": id,
				"char":       ref.Characteristic,
				"error":      err,
			}).Warn("Failed to enable notifications")
			return err
		}
	}
	m.logger.WithFields(logrus.Fields{
		"address":    c.address,
		"capability": id,
	}).Info("Capability subscribed")
	return nil
}

// notificationHandler runs on the transport's callback context
func (m *Manager) notificationHandler(address string, id device.CapabilityID, char string) func([]byte) {
	return func(data []byte) {
		m.registry.Touch(address)
		m.notifications.Publish(Notification{
			Address:        address,
			Capability:     id,
			Characteristic: char,
			Data:           append([]byte(nil), data...),
			At:             time.Now(),
		})
	}
}

// watch releases the connection when the transport reports link loss
func (m *Manager) watch(ctx context.Context, c *conn) {
	select {
	case <-c.link.Disconnected():
		if c.ctx.Err() != nil {
			return
		}
		m.logger.WithField("address", c.address).Warn("Link lost")
		m.release(c, &device.Error{Kind: device.KindLinkLost, Op: "link", Address: c.address, Msg: "transport reported disconnection"}, false)
	case <-c.ctx.Done():
	case <-ctx.Done():
	}
}

// Disconnect tears the link down on request. Disconnecting an unknown or idle device is a no-op.
func (m *Manager) Disconnect(ctx context.Context, address string) error {
	if err := m.authorize("disconnect", address); err != nil {
		return err
	}
	c, ok := m.lookup(address)
	if !ok {
		return nil
	}
	return m.release(c, &device.Error{Kind: device.KindLinkLost, Op: "disconnect", Address: address, Msg: "disconnect requested"}, true)
}

// DisconnectAndForget disconnects and removes the bonded pairing
func (m *Manager) DisconnectAndForget(ctx context.Context, address string) error {
	if err := m.Disconnect(ctx, address); err != nil {
		return err
	}
	if err := m.transport.RemoveBond(ctx, address); err != nil {
		return device.Wrap(device.KindTransportFailure, "remove bond", address, err)
	}
	m.logger.WithField("address", address).Info("Bond removed")
	return nil
}

// release runs at most once per link: fails queued operations, resets subscriptions,
// closes the transport handle and reports DISCONNECTED.
func (m *Manager) release(c *conn, cause error, requested bool) error {
	var err error
	c.release.Do(func() {
		m.mu.Lock()
		if m.conns[c.address] == c {
			delete(m.conns, c.address)
		}
		m.mu.Unlock()

		c.cancel(cause)
		if requested {
			_ = m.registry.UpdateConnectionState(c.address, device.Disconnecting)
		}
		m.queue.Close(c.address, cause)
		reset := m.registry.ResetSubscriptions(c.address)

		if err = c.link.Disconnect(); err != nil {
			m.logger.WithFields(logrus.Fields{
				"address": c.address,
				"error":   err,
			}).Warn("Band disconnected with errors")
			err = device.Wrap(device.KindTransportFailure, "disconnect", c.address, err)
		}
		_ = m.registry.UpdateConnectionState(c.address, device.Disconnected)

		m.logger.WithFields(logrus.Fields{
			"address":   c.address,
			"requested": requested,
			"reset":     reset,
		}).Info("Band disconnected")
	})
	return err
}

// State returns the device's connection state as reported by the registry
func (m *Manager) State(address string) device.ConnectionState {
	d, ok := m.registry.Device(address)
	if !ok {
		return device.Disconnected
	}
	return d.State
}

// Connected lists addresses with a live link
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for a := range m.conns {
		out = append(out, a)
	}
	return out
}

// SubscribeNotifications streams values pushed by subscribed characteristics
func (m *Manager) SubscribeNotifications() *broadcast.Subscription[Notification] {
	return m.notifications.Subscribe()
}

// CloseAll releases every link exactly once and refuses new connections
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = m.release(c, &device.Error{Kind: device.KindCancelled, Op: "close", Address: c.address, Msg: "engine shutting down"}, true)
	}
	m.group.Stop()
	m.notifications.Close()
}

func (m *Manager) lookup(address string) (*conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[address]
	return c, ok
}
