package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/bandsync/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the band dropped the link while a command was streaming from it.
	// This is distinct from device.ErrNotConnected, which rejects work on a device that was
	// never connected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns engine errors into a one-line message with a hint where one helps
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	switch {
	case errors.Is(err, ErrConnectionLost), device.IsKind(err, device.KindLinkLost):
		return "connection lost: the band went out of range or was switched off"
	case device.IsKind(err, device.KindPermission):
		return "Bluetooth permission denied: grant this terminal Bluetooth access and retry"
	case device.IsKind(err, device.KindTransportUnavailable):
		return "Bluetooth is unavailable: turn the adapter on and retry"
	case device.IsKind(err, device.KindOperationTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	case errors.As(err, &nf) && nf.Resource == "device":
		return fmt.Sprintf("band %s not found: make sure it is nearby and advertising", strings.Join(nf.IDs, ", "))
	case device.IsKind(err, device.KindConfiguration):
		return fmt.Sprintf("invalid configuration: %v", err)
	}
	return err.Error()
}
