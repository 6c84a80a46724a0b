package scan

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/registry"
)

// Handle is the optional scan capability: either a present controller or absent
// (hardware without a scanner). Every operation on an absent handle returns
// a CapabilityUnavailable error.
type Handle struct {
	c *Controller
}

// Present wraps a live controller
func Present(c *Controller) Handle {
	return Handle{c: c}
}

// Absent is the handle of a transport that cannot scan
func Absent() Handle {
	return Handle{}
}

// NewHandle builds a present handle when the transport implements device.Scanner
// and its adapter is not reported unsupported.
func NewHandle(t device.Transport, reg *registry.Registry, opts Options, logger *logrus.Logger) Handle {
	s, ok := t.(device.Scanner)
	if !ok || t.Availability() == device.RadioUnsupported {
		if logger != nil {
			logger.WithField("transport", t.Name()).Warn("Scanning unavailable on this transport")
		}
		return Absent()
	}
	return Present(NewController(s, t, reg, opts, logger))
}

// Available reports whether the handle holds a controller
func (h Handle) Available() bool {
	return h.c != nil
}

// Controller returns the underlying controller
func (h Handle) Controller() (*Controller, error) {
	if h.c == nil {
		return nil, unavailable()
	}
	return h.c, nil
}

func (h Handle) Start(ctx context.Context, types []device.CapabilityID) error {
	if h.c == nil {
		return unavailable()
	}
	return h.c.Start(ctx, types)
}

func (h Handle) Stop() error {
	if h.c == nil {
		return unavailable()
	}
	return h.c.Stop()
}

func (h Handle) State() (State, error) {
	if h.c == nil {
		return State{}, unavailable()
	}
	return h.c.State(), nil
}

func (h Handle) LastError() (*Error, error) {
	if h.c == nil {
		return nil, unavailable()
	}
	return h.c.LastError(), nil
}

func (h Handle) SubscribeStates() (*broadcast.Subscription[State], error) {
	if h.c == nil {
		return nil, unavailable()
	}
	return h.c.SubscribeStates(), nil
}

func (h Handle) SubscribeErrors() (*broadcast.Subscription[*Error], error) {
	if h.c == nil {
		return nil, unavailable()
	}
	return h.c.SubscribeErrors(), nil
}

func (h Handle) SubscribeDiscoveries() (*broadcast.Subscription[device.Device], error) {
	if h.c == nil {
		return nil, unavailable()
	}
	return h.c.SubscribeDiscoveries(), nil
}

// Close releases the controller; a no-op when absent
func (h Handle) Close() {
	if h.c != nil {
		h.c.Close()
	}
}

func unavailable() error {
	return &device.Error{Kind: device.KindCapabilityUnavailable, Op: "scan", Msg: "no scanner on this transport"}
}
