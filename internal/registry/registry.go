// Package registry owns the canonical device table.
//
// Discovery callbacks, timeout checks and connection-state updates arrive from
// independent goroutines; every mutation is serialized by one mutex and every
// read returns a copy-out snapshot.
package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/pkg/config"
)

// Options tunes the unresponsive-device monitor
type Options struct {
	Timeout  time.Duration `default:"30s"` // window without discovery or keepalive
	Interval time.Duration `default:"5s"`  // monitor tick
	Now      func() time.Time
}

// StateChange is published whenever a device's connection state changes
type StateChange struct {
	Address  string                 `json:"address"`
	Previous device.ConnectionState `json:"previous"`
	State    device.ConnectionState `json:"state"`
	At       time.Time              `json:"at"`
}

type entry struct {
	dev          device.Device
	lastActivity time.Time
}

// Registry is the single owner of the address -> Device table
type Registry struct {
	mu      sync.Mutex
	devices map[string]*entry
	allowed []device.CapabilityID
	catalog *device.Catalog
	opts    Options
	logger  *logrus.Logger

	deviceList   *broadcast.Stream[[]device.Device]
	changes      *broadcast.Stream[StateChange]
	unresponsive *broadcast.Stream[device.Device]
}

// New creates an empty registry. A nil catalog selects device.DefaultCatalog.
func New(catalog *device.Catalog, opts *Options, logger *logrus.Logger) *Registry {
	if catalog == nil {
		catalog = device.DefaultCatalog()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Registry{
		devices:      make(map[string]*entry),
		catalog:      catalog,
		opts:         o,
		logger:       config.OrNop(logger),
		deviceList:   broadcast.New[[]device.Device](broadcast.ReplayLatest, 16),
		changes:      broadcast.New[StateChange](broadcast.NoReplay, 0),
		unresponsive: broadcast.New[device.Device](broadcast.NoReplay, 0),
	}
}

// Catalog returns the capability catalog used for detection
func (r *Registry) Catalog() *device.Catalog {
	return r.catalog
}

// OnDiscovered inserts a new device or merges into the existing entry.
// rssi, timestamp and service ids are replaced; connection and requested-type state is preserved.
func (r *Registry) OnDiscovered(adv device.Advertisement) device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	detected := r.catalog.Detect(adv.ServiceIDs, r.allowed)
	e, ok := r.devices[adv.Address]
	if !ok {
		e = &entry{dev: device.Device{
			Address:       adv.Address,
			State:         device.Disconnected,
			Subscriptions: make(map[device.CapabilityID]device.SubscriptionState),
		}}
		r.devices[adv.Address] = e
		r.logger.WithFields(logrus.Fields{
			"address":    adv.Address,
			"name":       adv.Name,
			"rssi":       adv.RSSI,
			"recognized": detected,
		}).Info("Discovered new device")
	}

	if adv.Name != "" {
		e.dev.Name = adv.Name
	}
	e.dev.RSSI = adv.RSSI
	e.dev.LastSeen = adv.Timestamp
	e.dev.ServiceIDs = slices.Clone(adv.ServiceIDs)
	for _, id := range detected {
		if !slices.Contains(e.dev.Recognized, id) {
			e.dev.Recognized = append(e.dev.Recognized, id)
		}
	}
	if e.dev.Unresponsive {
		e.dev.Unresponsive = false
		r.logger.WithField("address", adv.Address).Info("Device responsive again")
	}
	e.lastActivity = r.opts.Now()

	snap := snapshot(e.dev)
	r.publishLocked()
	return snap
}

// SetAllowedTypes replaces the global filter applied on future merges; empty allows all
func (r *Registry) SetAllowedTypes(ids []device.CapabilityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowed = slices.Clone(ids)
	r.logger.WithField("allowed", ids).Debug("Allowed capability types updated")
}

// RequestTypes unions ids into the device's requested set
func (r *Registry) RequestTypes(address string, ids []device.CapabilityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(address)
	if err != nil {
		return err
	}

	var added []device.CapabilityID
	for _, id := range ids {
		if !slices.Contains(e.dev.Requested, id) {
			e.dev.Requested = append(e.dev.Requested, id)
			added = append(added, id)
		}
	}
	if len(added) > 0 {
		r.logger.WithFields(logrus.Fields{
			"address":   address,
			"added":     added,
			"requested": e.dev.Requested,
		}).Info("Requested capability types extended")
		r.publishLocked()
	}
	return nil
}

// ReplaceRequestedTypes overwrites the device's requested set
func (r *Registry) ReplaceRequestedTypes(address string, ids []device.CapabilityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(address)
	if err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"address":  address,
		"previous": e.dev.Requested,
		"current":  ids,
	}).Info("Requested capability types replaced")
	e.dev.Requested = slices.Clone(ids)
	r.publishLocked()
	return nil
}

// UpdateConnectionState records a transition and emits a change event.
// Leaving the connected states clears discovered services.
func (r *Registry) UpdateConnectionState(address string, state device.ConnectionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(address)
	if err != nil {
		return err
	}
	prev := e.dev.State
	if prev == state {
		return nil
	}
	e.dev.State = state
	if state == device.Disconnected {
		e.dev.ServicesDiscovered = false
		e.dev.Services = nil
	}
	if state != device.Connected {
		if reset := r.resetSubscriptionsLocked(e); len(reset) > 0 {
			r.logger.WithFields(logrus.Fields{
				"address": address,
				"reset":   reset,
			}).Info("Subscriptions reset")
		}
	}
	e.lastActivity = r.opts.Now()

	r.logger.WithFields(logrus.Fields{
		"address": address,
		"from":    prev.String(),
		"to":      state.String(),
	}).Info("Connection state changed")

	r.changes.Publish(StateChange{Address: address, Previous: prev, State: state, At: r.opts.Now()})
	r.publishLocked()
	return nil
}

// SetServices stores the discovered GATT services and marks discovery complete
func (r *Registry) SetServices(address string, services []device.ServiceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(address)
	if err != nil {
		return err
	}
	e.dev.Services = cloneServices(services)
	e.dev.ServicesDiscovered = true
	r.publishLocked()
	return nil
}

// SetSubscriptionState updates one capability's subscription state on one device.
// Only a CONNECTED device can become SUBSCRIBED; leaving CONNECTED resets every subscription.
func (r *Registry) SetSubscriptionState(address string, id device.CapabilityID, state device.SubscriptionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(address)
	if err != nil {
		return err
	}
	if state == device.Subscribed && e.dev.State != device.Connected {
		return &device.Error{Kind: device.KindNotConnected, Op: "subscribe", Address: address, Msg: fmt.Sprintf("%s cannot be subscribed while %s", id, e.dev.State)}
	}
	if e.dev.Subscriptions[id] == state {
		return nil
	}
	e.dev.Subscriptions[id] = state
	r.logger.WithFields(logrus.Fields{
		"address":    address,
		"capability": id,
		"state":      state.String(),
	}).Debug("Subscription state changed")
	r.publishLocked()
	return nil
}

// ResetSubscriptions reverts every SUBSCRIBED type of the device to UNSUBSCRIBED
// and returns the types that were reset.
func (r *Registry) ResetSubscriptions(address string) []device.CapabilityID {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[address]
	if !ok {
		return nil
	}
	reset := r.resetSubscriptionsLocked(e)
	if len(reset) > 0 {
		r.logger.WithFields(logrus.Fields{
			"address": address,
			"reset":   reset,
		}).Info("Subscriptions reset")
		r.publishLocked()
	}
	return reset
}

func (r *Registry) resetSubscriptionsLocked(e *entry) []device.CapabilityID {
	var reset []device.CapabilityID
	for _, id := range r.catalog.IDs() {
		if e.dev.Subscriptions[id] == device.Subscribed {
			e.dev.Subscriptions[id] = device.Unsubscribed
			reset = append(reset, id)
		}
	}
	return reset
}

// Touch is a keepalive for the timeout monitor
func (r *Registry) Touch(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[address]; ok {
		e.lastActivity = r.opts.Now()
	}
}

// MarkUnresponsive flags the device. Subscription and requested-type state is kept.
func (r *Registry) MarkUnresponsive(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(address)
	if err != nil {
		return err
	}
	r.markUnresponsiveLocked(e)
	return nil
}

func (r *Registry) markUnresponsiveLocked(e *entry) {
	if e.dev.Unresponsive {
		return
	}
	e.dev.Unresponsive = true
	r.logger.WithFields(logrus.Fields{
		"address":   e.dev.Address,
		"last_seen": e.dev.LastSeen,
	}).Warn("Device unresponsive")
	r.unresponsive.Publish(snapshot(e.dev))
	r.publishLocked()
}

// CheckTimeouts runs one monitor pass and returns the addresses newly flagged.
// Devices with a live or pending connection are supervised by the connection manager and skipped.
func (r *Registry) CheckTimeouts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	var flagged []string
	for addr, e := range r.devices {
		if e.dev.Unresponsive || e.dev.State != device.Disconnected {
			continue
		}
		if now.Sub(e.lastActivity) >= r.opts.Timeout {
			r.markUnresponsiveLocked(e)
			flagged = append(flagged, addr)
		}
	}
	slices.Sort(flagged)
	return flagged
}

// StartMonitor runs CheckTimeouts every Interval until ctx is done.
// The monitor is independent of scan state.
func (r *Registry) StartMonitor(ctx context.Context) {
	groutine.Go(ctx, "registry-monitor", func(ctx context.Context) {
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckTimeouts()
			}
		}
	})
}

// Device returns a snapshot of one device
func (r *Registry) Device(address string) (device.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[address]
	if !ok {
		return device.Device{}, false
	}
	return snapshot(e.dev), true
}

// AllDevices returns snapshots of every device ordered by signal strength
func (r *Registry) AllDevices() []device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allLocked()
}

// DevicesByType returns devices recognizing the type, strongest signal first,
// most recently seen first on ties.
func (r *Registry) DevicesByType(id device.CapabilityID) []device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []device.Device
	for _, e := range r.devices {
		if e.dev.Recognizes(id) {
			out = append(out, snapshot(e.dev))
		}
	}
	device.SortByStrength(out)
	return out
}

// SubscribeDevices streams the full device list after every change, replaying the latest list
func (r *Registry) SubscribeDevices() *broadcast.Subscription[[]device.Device] {
	return r.deviceList.Subscribe()
}

// SubscribeConnectionChanges streams connection-state changes keyed by address
func (r *Registry) SubscribeConnectionChanges() *broadcast.Subscription[StateChange] {
	return r.changes.Subscribe()
}

// SubscribeUnresponsive streams devices as they are flagged unresponsive
func (r *Registry) SubscribeUnresponsive() *broadcast.Subscription[device.Device] {
	return r.unresponsive.Subscribe()
}

// Close ends every stream
func (r *Registry) Close() {
	r.deviceList.Close()
	r.changes.Close()
	r.unresponsive.Close()
}

func (r *Registry) lookupLocked(address string) (*entry, error) {
	e, ok := r.devices[address]
	if !ok {
		return nil, &device.NotFoundError{Resource: "device", IDs: []string{address}}
	}
	return e, nil
}

func (r *Registry) allLocked() []device.Device {
	out := make([]device.Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, snapshot(e.dev))
	}
	device.SortByStrength(out)
	return out
}

func (r *Registry) publishLocked() {
	r.deviceList.Publish(r.allLocked())
}

func snapshot(d device.Device) device.Device {
	d.ServiceIDs = slices.Clone(d.ServiceIDs)
	d.Recognized = slices.Clone(d.Recognized)
	d.Requested = slices.Clone(d.Requested)
	d.Services = cloneServices(d.Services)
	d.Subscriptions = maps.Clone(d.Subscriptions)
	if d.Subscriptions == nil {
		d.Subscriptions = make(map[device.CapabilityID]device.SubscriptionState)
	}
	return d
}

func cloneServices(in []device.ServiceInfo) []device.ServiceInfo {
	if in == nil {
		return nil
	}
	out := make([]device.ServiceInfo, len(in))
	for i, s := range in {
		out[i] = device.ServiceInfo{UUID: s.UUID, Characteristics: slices.Clone(s.Characteristics)}
	}
	return out
}
