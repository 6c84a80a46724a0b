package tinygo

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/bandsync/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		kind device.ErrorKind
	}{
		{"org.bluez.Error.NotReady: Resource Not Ready", device.KindTransportUnavailable},
		{"org.bluez.Error.NotAuthorized", device.KindPermission},
		{"org.bluez.Error.InProgress: Operation already in progress", device.KindAlreadyInProgress},
		{"org.bluez.Error.Failed: Not connected", device.KindLinkLost},
		{"connection timed out", device.KindOperationTimeout},
		{"org.bluez.Error.Failed: le-connection-abort-by-local", device.KindTransportFailure},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, device.KindOf(normalizeError("connect", "AA", errors.New(tt.msg))))
		})
	}

	assert.Equal(t, device.KindCancelled, device.KindOf(normalizeError("connect", "AA", context.Canceled)))
	assert.NoError(t, normalizeError("connect", "AA", nil))
}

func TestMatchersSkipInvalidIDs(t *testing.T) {
	p := matchers([]string{device.StepsService, "not-a-uuid", device.HeartRateService})
	if assert.Len(t, p, 2) {
		assert.Equal(t, device.StepsService, p[0].id)
		assert.Equal(t, device.HeartRateService, p[1].id)
	}
}
