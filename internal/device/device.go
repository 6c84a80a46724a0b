package device

import (
	"sort"
	"time"
)

// ConnectionState is the GATT link state of a device.
// Transitions are driven only by the connection manager; the registry reads and reports them.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON/YAML/CBOR output
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SubscriptionState is the per-device notification state of one capability type
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribed
)

func (s SubscriptionState) String() string {
	if s == Subscribed {
		return "SUBSCRIBED"
	}
	return "UNSUBSCRIBED"
}

// MarshalText renders the state name in JSON/YAML/CBOR output
func (s SubscriptionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServiceInfo describes one discovered GATT service
type ServiceInfo struct {
	UUID            string               `json:"uuid" yaml:"uuid" cbor:"uuid"`
	Characteristics []CharacteristicInfo `json:"characteristics" yaml:"characteristics" cbor:"characteristics"`
}

// CharacteristicInfo describes one discovered GATT characteristic
type CharacteristicInfo struct {
	UUID   string `json:"uuid" yaml:"uuid" cbor:"uuid"`
	Notify bool   `json:"notify" yaml:"notify" cbor:"notify"`
	Read   bool   `json:"read" yaml:"read" cbor:"read"`
	Write  bool   `json:"write" yaml:"write" cbor:"write"`
}

// Device is a copy-out snapshot of one registry entry.
// Snapshots never share mutable state with the registry or with each other.
type Device struct {
	Address            string                             `json:"address" yaml:"address" cbor:"address"`
	Name               string                             `json:"name,omitempty" yaml:"name,omitempty" cbor:"name,omitempty"`
	RSSI               int                                `json:"rssi" yaml:"rssi" cbor:"rssi"`
	LastSeen           time.Time                          `json:"last_seen" yaml:"last_seen" cbor:"last_seen"`
	ServiceIDs         []string                           `json:"service_ids" yaml:"service_ids" cbor:"service_ids"`
	Recognized         []CapabilityID                     `json:"recognized" yaml:"recognized" cbor:"recognized"`
	Requested          []CapabilityID                     `json:"requested" yaml:"requested" cbor:"requested"`
	State              ConnectionState                    `json:"state" yaml:"state" cbor:"state"`
	ServicesDiscovered bool                               `json:"services_discovered" yaml:"services_discovered" cbor:"services_discovered"`
	Services           []ServiceInfo                      `json:"services,omitempty" yaml:"services,omitempty" cbor:"services,omitempty"`
	Subscriptions      map[CapabilityID]SubscriptionState `json:"subscriptions" yaml:"subscriptions" cbor:"subscriptions"`
	Unresponsive       bool                               `json:"unresponsive" yaml:"unresponsive" cbor:"unresponsive"`
}

// Recognizes reports whether the device exposes the capability type
func (d Device) Recognizes(id CapabilityID) bool {
	return containsID(d.Recognized, id)
}

// Requests reports whether the caller asked for the capability type on this device
func (d Device) Requests(id CapabilityID) bool {
	return containsID(d.Requested, id)
}

// Subscription returns the subscription state of a capability type, UNSUBSCRIBED when unknown
func (d Device) Subscription(id CapabilityID) SubscriptionState {
	return d.Subscriptions[id]
}

// HasService reports whether the service was discovered on the live connection
func (d Device) HasService(uuid string) bool {
	for _, s := range d.Services {
		if s.UUID == uuid {
			return true
		}
	}
	return false
}

// HasCharacteristic reports whether the characteristic was discovered inside the service
func (d Device) HasCharacteristic(service, char string) bool {
	for _, s := range d.Services {
		if s.UUID != service {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == char {
				return true
			}
		}
	}
	return false
}

// SortByStrength orders devices by descending RSSI, most recently seen first on ties
func SortByStrength(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].LastSeen.After(devices[j].LastSeen)
	})
}

func containsID(ids []CapabilityID, id CapabilityID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
