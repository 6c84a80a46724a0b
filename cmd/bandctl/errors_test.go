package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/bandsync/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"connection lost", fmt.Errorf("watch: %w", ErrConnectionLost), "connection lost: the band went out of range or was switched off"},
		{"link lost kind", &device.Error{Kind: device.KindLinkLost, Op: "link", Address: "AA"}, "connection lost: the band went out of range or was switched off"},
		{"permission", device.Errorf(device.KindPermission, "scan not authorized"), "Bluetooth permission denied: grant this terminal Bluetooth access and retry"},
		{"adapter off", device.Errorf(device.KindTransportUnavailable, "powered off"), "Bluetooth is unavailable: turn the adapter on and retry"},
		{"deadline", context.DeadlineExceeded, "timed out: context deadline exceeded"},
		{"band not found", &device.NotFoundError{Resource: "device", IDs: []string{"AA:BB"}}, "band AA:BB not found: make sure it is nearby and advertising"},
		{"other not found", &device.NotFoundError{Resource: "characteristic", IDs: []string{"2A19"}}, (&device.NotFoundError{Resource: "characteristic", IDs: []string{"2A19"}}).Error()},
		{"plain", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatUserErrorConfiguration(t *testing.T) {
	err := device.Errorf(device.KindConfiguration, "unknown transport %q", "serial")
	got := FormatUserError(err)
	assert.Contains(t, got, "invalid configuration: ")
	assert.Contains(t, got, `unknown transport "serial"`)
}

func TestTransportFactoryRejectsUnknownName(t *testing.T) {
	_, err := transportFactory("serial", nil)
	assert.True(t, device.IsKind(err, device.KindConfiguration), "unknown transport MUST be a configuration error, got %v", err)
}
