package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/bandsync/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind device.ErrorKind
	}{
		{"radio off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.KindTransportUnavailable},
		{"radio off message", errors.New("Bluetooth is turned off"), device.KindTransportUnavailable},
		{"unauthorized", errors.New("central manager state: unauthorized"), device.KindPermission},
		{"remote disconnect", errors.New("device disconnected"), device.KindLinkLost},
		{"not connected", errors.New("Device Not Connected"), device.KindLinkLost},
		{"already connected", errors.New("device already connected"), device.KindAlreadyInProgress},
		{"not initialized", errors.New("connection is not initialized"), device.KindNotConnected},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), device.KindOperationTimeout},
		{"cancel", context.Canceled, device.KindCancelled},
		{"anything else", errors.New("att: invalid handle"), device.KindTransportFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError("read", "AA:BB", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.kind, device.KindOf(err))
			assert.ErrorIs(t, err, tt.err, "original error MUST stay in the chain")
		})
	}
}

func TestNormalizeErrorKeepsKindedErrors(t *testing.T) {
	assert.NoError(t, NormalizeError("read", "AA:BB", nil))

	in := &device.Error{Kind: device.KindProtocol, Msg: "bad frame"}
	assert.Same(t, in, NormalizeError("read", "AA:BB", in))
}

func TestMatchesAny(t *testing.T) {
	wanted := map[string]struct{}{device.StepsService: {}}
	assert.True(t, matchesAny([]string{device.HeartRateService, device.StepsService}, wanted))
	assert.False(t, matchesAny([]string{device.HeartRateService}, wanted))
	assert.False(t, matchesAny(nil, wanted))
}
