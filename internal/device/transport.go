package device

import (
	"context"
	"time"
)

// Advertisement is one discovery event delivered by a platform scanner
type Advertisement struct {
	Address    string    `json:"address"`
	Name       string    `json:"name,omitempty"`
	RSSI       int       `json:"rssi"`
	ServiceIDs []string  `json:"service_ids"`
	Timestamp  time.Time `json:"timestamp"`
}

// Permission is a platform grant required before touching the radio
type Permission int

const (
	PermissionScan Permission = iota
	PermissionConnect
)

func (p Permission) String() string {
	if p == PermissionConnect {
		return "connect"
	}
	return "scan"
}

// Availability is the adapter state reported by the platform
type Availability int

const (
	RadioOn Availability = iota
	RadioOff
	RadioUnsupported
)

func (a Availability) String() string {
	switch a {
	case RadioOn:
		return "on"
	case RadioOff:
		return "off"
	default:
		return "unsupported"
	}
}

// Authorizer answers permission and adapter queries
type Authorizer interface {
	// Authorize returns nil when the grant is present, a KindPermission error otherwise
	Authorize(p Permission) error
	Availability() Availability
}

// Scanner is the optional discovery capability of a transport.
// Scan blocks until ctx is done or the platform fails; handler is called from the platform context.
type Scanner interface {
	Scan(ctx context.Context, filters []string, handler func(Advertisement)) error
}

// Link is the per-device transport handle. It is owned by the connection manager
// and released exactly once through Disconnect.
type Link interface {
	Address() string
	DiscoverServices(ctx context.Context) ([]ServiceInfo, error)
	Read(ctx context.Context, ref CharRef) ([]byte, error)
	Write(ctx context.Context, ref CharRef, data []byte) error
	EnableNotification(ctx context.Context, ref CharRef, handler func([]byte)) error
	Disconnect() error
	// Disconnected is closed when the link drops for any reason
	Disconnected() <-chan struct{}
}

// Transport is the narrow platform BLE interface consumed by the engine
type Transport interface {
	Authorizer
	Name() string
	Connect(ctx context.Context, address string) (Link, error)
	// RemoveBond clears any bonded pairing with the device
	RemoveBond(ctx context.Context, address string) error
}
