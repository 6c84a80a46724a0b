package tinygo

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/bandsync/internal/device"
)

// normalizeError maps adapter errors (BlueZ D-Bus names, CoreBluetooth and WinRT
// messages) to kinded device errors
func normalizeError(op, address string, err error) error {
	if err == nil {
		return nil
	}
	if device.KindOf(err) != "" {
		return err
	}

	msg := strings.ToLower(err.Error())
	kind := device.KindTransportFailure
	switch {
	case errors.Is(err, context.Canceled):
		kind = device.KindCancelled
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		kind = device.KindOperationTimeout
	case strings.Contains(msg, "org.bluez.error.notready"), strings.Contains(msg, "powered off"), strings.Contains(msg, "no default adapter"):
		kind = device.KindTransportUnavailable
	case strings.Contains(msg, "notauthorized"), strings.Contains(msg, "not authorized"), strings.Contains(msg, "permission denied"), strings.Contains(msg, "accessdenied"):
		kind = device.KindPermission
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		kind = device.KindLinkLost
	case strings.Contains(msg, "inprogress"), strings.Contains(msg, "in progress"):
		kind = device.KindAlreadyInProgress
	}
	return &device.Error{Kind: kind, Op: op, Address: address, Err: err}
}
