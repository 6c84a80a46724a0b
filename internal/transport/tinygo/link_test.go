package tinygo

import (
	"testing"

	"tinygo.org/x/bluetooth"
)

// gattCharacteristic is the characteristic surface link relies on. BlueZ only offers
// unacknowledged writes, so Write must not be part of it.
type gattCharacteristic interface {
	Read(data []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

var _ gattCharacteristic = (*bluetooth.DeviceCharacteristic)(nil)

func TestCharacteristicSurfaceIsPortable(t *testing.T) {
	var c gattCharacteristic = &bluetooth.DeviceCharacteristic{}
	if c == nil {
		t.Fatal("DeviceCharacteristic MUST satisfy the link characteristic surface")
	}
}
