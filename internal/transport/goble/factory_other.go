//go:build !darwin && !linux

package goble

import (
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/bandsync/internal/device"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // exported for test injection
var DeviceFactory = func() (ble.Device, error) {
	return nil, device.Errorf(device.KindTransportUnavailable, "go-ble has no backend for %s", runtime.GOOS)
}
