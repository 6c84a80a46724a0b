// Package band composes the protocol engine: device registry, scanning, the per-link
// operation queue, connection supervision, history sync and the activity pipeline.
package band

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/activity"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/connection"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/internal/history"
	"github.com/srg/bandsync/internal/opqueue"
	"github.com/srg/bandsync/internal/registry"
	"github.com/srg/bandsync/internal/scan"
	"github.com/srg/bandsync/pkg/config"
)

// Band is one engine instance bound to a transport
type Band struct {
	cfg       *config.Config
	transport device.Transport
	logger    *logrus.Logger

	Catalog     *device.Catalog
	Registry    *registry.Registry
	Scan        scan.Handle
	Queue       *opqueue.Queue
	Connections *connection.Manager
	History     *history.Engine
	Activity    *activity.Engine

	cancel    context.CancelFunc
	group     *groutine.Group
	closeOnce sync.Once
}

// New validates cfg and wires every component onto the transport. A nil cfg uses
// config.DefaultConfig, a nil logger discards output.
func New(cfg *config.Config, transport device.Transport, logger *logrus.Logger) (*Band, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "new", Msg: "transport is required"}
	}
	logger = config.OrNop(logger)

	catalog := device.DefaultCatalog()
	allowed, err := catalog.ParseCapabilities(cfg.AllowedTypes...)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "new", Msg: "device timezone", Err: err}
	}
	gender, err := activity.ParseGender(cfg.Profile.Gender)
	if err != nil {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "new", Err: err}
	}

	reg := registry.New(catalog, &registry.Options{
		Timeout:  cfg.DeviceTimeout,
		Interval: cfg.MonitorInterval,
	}, logger)
	reg.SetAllowedTypes(allowed)

	queue := opqueue.New(cfg.OperationTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Band{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		Catalog:   catalog,
		Registry:  reg,
		Scan:      scan.NewHandle(transport, reg, scan.Options{Duration: cfg.ScanDuration}, logger),
		Queue:     queue,
		Connections: connection.NewManager(transport, reg, queue, &connection.Options{
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger),
		History: history.NewEngine(queue, catalog, &history.Options{
			PageRetries:     cfg.SyncPageRetries,
			MaxPages:        cfg.SyncMaxPages,
			FrameBufferSize: cfg.FrameBufferSize,
			Location:        loc,
		}, logger),
		Activity: activity.NewEngine(activity.Profile{
			HeightCm: cfg.Profile.HeightCm,
			WeightKg: cfg.Profile.WeightKg,
			Age:      cfg.Profile.Age,
			Gender:   gender,
		}, uint32(cfg.ResultHistory), logger),
		cancel: cancel,
		group:  groutine.NewGroup(ctx, logger),
	}

	reg.StartMonitor(ctx)
	b.routeLiveActivity()

	logger.WithFields(logrus.Fields{
		"transport": transport.Name(),
		"scan":      b.Scan.Available(),
		"allowed":   allowed,
	}).Info("Band engine started")
	return b, nil
}

// routeLiveActivity feeds steps live notifications into the activity engine
func (b *Band) routeLiveActivity() {
	sub := b.Connections.SubscribeNotifications()
	b.group.Go("live-activity", func(ctx context.Context) {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-sub.C():
				if !ok {
					return
				}
				if n.Capability != device.Steps || n.Characteristic != device.StepsLiveChar {
					continue
				}
				sample, err := codec.DecodeLiveActivity(n.Data)
				if err != nil {
					b.logger.WithFields(logrus.Fields{
						"address": n.Address,
						"error":   err,
					}).Warn("Dropping undecodable live activity sample")
					continue
				}
				b.Activity.Process(activity.SampleFromLive(sample, n.At))
			}
		}
	})
}

// StartScan begins discovery for the given capability types (all allowed types when empty)
func (b *Band) StartScan(ctx context.Context, types ...device.CapabilityID) error {
	return b.Scan.Start(ctx, types)
}

// StopScan stops an active scan
func (b *Band) StopScan() error {
	return b.Scan.Stop()
}

// Devices returns every known device, strongest signal first
func (b *Band) Devices() []device.Device {
	return b.Registry.AllDevices()
}

// Connect requests the capability types on the device, then connects and subscribes.
// Requesting on an already connected device subscribes the newly requested types.
func (b *Band) Connect(ctx context.Context, address string, types ...device.CapabilityID) error {
	if len(types) > 0 {
		if err := b.Registry.RequestTypes(address, types); err != nil {
			return err
		}
	}
	if b.Connections.State(address) == device.Connected {
		return b.Connections.Subscribe(ctx, address)
	}
	return b.Connections.Connect(ctx, address)
}

// Disconnect releases the device's link
func (b *Band) Disconnect(ctx context.Context, address string) error {
	return b.Connections.Disconnect(ctx, address)
}

// Forget disconnects and clears the bond
func (b *Band) Forget(ctx context.Context, address string) error {
	return b.Connections.DisconnectAndForget(ctx, address)
}

// Sync starts one history session
func (b *Band) Sync(ctx context.Context, address string, id device.CapabilityID, from history.Watermark) (*history.Session, error) {
	return b.History.Sync(ctx, address, id, from)
}

// SyncAll syncs every given capability concurrently and waits for all of them
func (b *Band) SyncAll(ctx context.Context, address string, ids []device.CapabilityID, from map[device.CapabilityID]history.Watermark) (map[device.CapabilityID]history.Result, error) {
	return b.History.SyncAll(ctx, address, ids, from)
}

// Close tears the engine down. Outstanding operations fail with Cancelled and their
// results are not delivered; every link is released once.
func (b *Band) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.Queue.Shutdown()
		if b.Scan.Available() {
			if err := b.Scan.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		b.Scan.Close()
		b.cancel()
		b.History.Close()
		b.Connections.CloseAll()
		b.group.Stop()
		b.Activity.Close()
		b.Registry.Close()
		b.logger.Info("Band engine stopped")
	})
	return errors.Join(errs...)
}
