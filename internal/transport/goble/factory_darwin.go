//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // exported for test injection
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
