package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/bandsync/internal/device"
)

// NormalizeError maps known go-ble error strings to kinded device errors.
// Matching is by substring so small upstream message changes keep working.
func NormalizeError(op, address string, err error) error {
	if err == nil {
		return nil
	}
	if device.KindOf(err) != "" {
		return err
	}

	msg := err.Error()
	kind := device.KindTransportFailure
	switch {
	case errors.Is(err, context.Canceled):
		kind = device.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = device.KindOperationTimeout
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		kind = device.KindTransportUnavailable
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		kind = device.KindTransportUnavailable
	case containsIgnoreCase(msg, "unauthorized"), containsIgnoreCase(msg, "not permitted"), containsIgnoreCase(msg, "operation not permitted"):
		kind = device.KindPermission
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		kind = device.KindLinkLost
	case containsIgnoreCase(msg, "device already connected"):
		kind = device.KindAlreadyInProgress
	case containsIgnoreCase(msg, "connection is not initialized"):
		kind = device.KindNotConnected
	}
	return &device.Error{Kind: kind, Op: op, Address: address, Err: err}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
