// Package scan drives device discovery through the platform scanner and owns the scan state machine.
package scan

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/internal/registry"
	"github.com/srg/bandsync/pkg/config"
)

// Options configures scanning behavior
type Options struct {
	Duration  time.Duration // 0 scans until Stop
	AllowList []string      // addresses; empty allows all
	BlockList []string
}

// Controller is the single owner of the scan state.
// Only one platform scan is ever active; Start while Scanning fails with AlreadyInProgress.
type Controller struct {
	mu       sync.Mutex
	scanner  device.Scanner
	auth     device.Authorizer
	registry *registry.Registry
	opts     Options
	logger   *logrus.Logger

	state   State
	session uint64
	cancel  context.CancelFunc
	timer   *time.Timer
	running chan struct{} // closed once the platform scan of the last session has returned
	group   *groutine.Group

	states      *broadcast.Stream[State]
	errs        *broadcast.Stream[*Error]
	discoveries *broadcast.Stream[device.Device]
	now         func() time.Time
}

// NewController wires a scanner to the registry
func NewController(scanner device.Scanner, auth device.Authorizer, reg *registry.Registry, opts Options, logger *logrus.Logger) *Controller {
	logger = config.OrNop(logger)
	c := &Controller{
		scanner:     scanner,
		auth:        auth,
		registry:    reg,
		opts:        opts,
		logger:      logger,
		group:       groutine.NewGroup(context.Background(), logger),
		states:      broadcast.New[State](broadcast.ReplayLatest, 16),
		errs:        broadcast.New[*Error](broadcast.NoReplay, 16),
		discoveries: broadcast.New[device.Device](broadcast.NoReplay, 256),
		now:         time.Now,
	}
	c.state = State{Kind: Idle, At: c.now()}
	c.states.Publish(c.state)
	return c
}

// Start begins a scan filtered by the union of scanning identifiers of the given capability types.
// An empty filter set scans unfiltered. Permission and configuration failures are returned synchronously
// and also published on the error stream.
func (c *Controller) Start(ctx context.Context, types []device.CapabilityID) error {
	if err := ctx.Err(); err != nil {
		return &device.Error{Kind: device.KindCancelled, Op: "scan", Err: err}
	}

	c.mu.Lock()
	for {
		if c.state.Kind == Scanning {
			c.mu.Unlock()
			return &device.Error{Kind: device.KindAlreadyInProgress, Op: "scan", Msg: "scan already in progress"}
		}
		prev := c.running
		if prev == nil {
			break
		}
		select {
		case <-prev:
			c.running = nil
			continue
		default:
		}

		// the previous platform scan is still tearing down
		c.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return &device.Error{Kind: device.KindCancelled, Op: "scan", Err: ctx.Err()}
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	if c.opts.Duration < 0 {
		return &device.Error{Kind: device.KindConfiguration, Op: "scan", Msg: "invalid scan duration " + c.opts.Duration.String()}
	}
	if c.state.Kind == Failed {
		c.setStateLocked(State{Kind: Idle})
	}

	if err := c.preflightLocked(); err != nil {
		return err
	}

	filters := c.registry.Catalog().ScanFilters(types)
	c.session++
	session := c.session
	scanCtx, cancel := context.WithCancel(c.group.Context())
	c.cancel = cancel
	c.setStateLocked(State{Kind: Scanning, Filters: filters})

	c.logger.WithFields(logrus.Fields{
		"filters":  filters,
		"duration": c.opts.Duration,
		"session":  session,
	}).Info("Starting BLE scan...")

	done := make(chan struct{})
	c.running = done
	c.group.Go("scan", func(context.Context) {
		defer close(done)
		err := c.scanner.Scan(scanCtx, filters, func(adv device.Advertisement) {
			c.handleAdvertisement(session, adv)
		})
		c.finish(session, err)
	})

	if c.opts.Duration > 0 {
		c.timer = time.AfterFunc(c.opts.Duration, func() { c.complete(session) })
	}
	return nil
}

// preflightLocked checks the scan grant and the adapter before touching the radio
func (c *Controller) preflightLocked() error {
	if err := c.auth.Authorize(device.PermissionScan); err != nil {
		err = device.Wrap(device.KindPermission, "scan", "", err)
		c.failLocked(err)
		return err
	}
	if avail := c.auth.Availability(); avail != device.RadioOn {
		err := &device.Error{Kind: device.KindTransportUnavailable, Op: "scan", Msg: "radio " + avail.String()}
		c.failLocked(err)
		return err
	}
	return nil
}

// Stop ends the active scan. Stopping when not scanning is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Kind != Scanning {
		return nil
	}
	c.endSessionLocked()
	c.setStateLocked(State{Kind: Stopped})
	c.logger.Info("BLE scan stopped")
	return nil
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent scan error, if any
func (c *Controller) LastError() *Error {
	e, _ := c.errs.Latest()
	return e
}

// SubscribeStates streams state changes, replaying the current state
func (c *Controller) SubscribeStates() *broadcast.Subscription[State] {
	return c.states.Subscribe()
}

// SubscribeErrors streams scan errors published after subscription
func (c *Controller) SubscribeErrors() *broadcast.Subscription[*Error] {
	return c.errs.Subscribe()
}

// SubscribeDiscoveries streams registry snapshots of discovered devices
func (c *Controller) SubscribeDiscoveries() *broadcast.Subscription[device.Device] {
	return c.discoveries.Subscribe()
}

// Close stops any scan, waits for the scan goroutine and ends every stream
func (c *Controller) Close() {
	_ = c.Stop()
	c.group.Stop()
	c.states.Close()
	c.errs.Close()
	c.discoveries.Close()
}

// handleAdvertisement pushes the advertisement into the registry before surfacing it
func (c *Controller) handleAdvertisement(session uint64, adv device.Advertisement) {
	c.mu.Lock()
	active := session == c.session && c.state.Kind == Scanning
	c.mu.Unlock()
	if !active || !c.shouldInclude(adv.Address) {
		return
	}
	if adv.Timestamp.IsZero() {
		adv.Timestamp = c.now()
	}
	c.discoveries.Publish(c.registry.OnDiscovered(adv))
}

func (c *Controller) shouldInclude(addr string) bool {
	if slices.Contains(c.opts.BlockList, addr) {
		return false
	}
	return len(c.opts.AllowList) == 0 || slices.Contains(c.opts.AllowList, addr)
}

// complete is the duration timer callback
func (c *Controller) complete(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session != c.session || c.state.Kind != Scanning {
		return
	}
	c.endSessionLocked()
	c.setStateLocked(State{Kind: Completed})
	c.logger.WithField("session", session).Info("BLE scan completed")
}

// finish runs when the platform scan returns
func (c *Controller) finish(session uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session != c.session || c.state.Kind != Scanning {
		return
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.endSessionLocked()
		c.setStateLocked(State{Kind: Completed})
		c.logger.WithField("session", session).Info("BLE scan ended by platform")
		return
	}
	c.endSessionLocked()
	c.failLocked(device.Wrap(device.KindTransportFailure, "scan", "", err))
}

func (c *Controller) failLocked(err error) {
	code := codeFor(err)
	c.setStateLocked(State{Kind: Failed, Code: code})
	c.logger.WithFields(logrus.Fields{
		"code":  code.String(),
		"error": err,
	}).Error("BLE scan failed")
	c.errs.Publish(&Error{Code: code, Err: err, At: c.now()})
}

func (c *Controller) endSessionLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) setStateLocked(s State) {
	s.At = c.now()
	c.state = s
	c.states.Publish(s)
}
