package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/transport/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepRecords(start time.Time, n int) []codec.Record {
	out := make([]codec.Record, n)
	for i := range out {
		out[i] = codec.StepRecord{RecordHeader: codec.RecordHeader{Seq: uint16(i + 1), Time: start.Add(time.Duration(i) * time.Minute)}, Steps: uint16(10 * (i + 1))}
	}
	return out
}

func TestBandServesPagesAfterWatermark(t *testing.T) {
	start := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	band := sim.NewBand("AA").
		WithCapabilities(device.Steps).
		WithHistory(codec.CodeSteps, stepRecords(start, 5)...).
		WithPageSize(2).
		WithReadChunk(8).
		Build()
	tr := sim.New(nil, band)

	link, err := tr.Connect(context.Background(), "AA")
	require.NoError(t, err)
	defer link.Disconnect()

	ctx := context.Background()
	ctl := device.CharRef{Service: device.StepsService, Characteristic: device.StepsControlChar}
	data := device.CharRef{Service: device.StepsService, Characteristic: device.StepsDataChar}

	fetch := func(req codec.PageRequest) *codec.Page {
		payload, err := codec.EncodeRequest(req)
		require.NoError(t, err)
		require.NoError(t, link.Write(ctx, ctl, payload))
		asm := codec.NewFrameAssembler(0)
		for {
			chunk, err := link.Read(ctx, data)
			require.NoError(t, err)
			require.NotEmpty(t, chunk)
			assert.LessOrEqual(t, len(chunk), 8, "reads MUST honor the chunk limit")
			frame, err := asm.Push(chunk)
			require.NoError(t, err)
			if frame != nil {
				page, err := codec.DecodePage(frame, time.UTC)
				require.NoError(t, err)
				return page
			}
		}
	}

	first := fetch(codec.PageRequest{Code: codec.CodeSteps})
	require.Len(t, first.Records, 2)
	assert.True(t, first.HasMoreData)
	assert.Equal(t, start.Add(time.Minute), first.BlockTime)

	rest := fetch(codec.PageRequest{Code: codec.CodeSteps, NewestBlock: first.BlockTime, NewestEntry: first.BlockTime})
	require.Len(t, rest.Records, 2)
	assert.Equal(t, uint16(3), rest.Records[0].Header().Seq)

	end := fetch(codec.PageRequest{Code: codec.CodeSteps, NewestEntry: start.Add(4 * time.Minute)})
	assert.True(t, end.EndOfData)
	assert.Empty(t, end.Records)

	assert.Len(t, band.PageRequests(), 3)
}

func TestLinkLoss(t *testing.T) {
	band := sim.NewBand("AA").WithCapabilities(device.HeartRate).Build()
	tr := sim.New(nil, band)

	link, err := tr.Connect(context.Background(), "AA")
	require.NoError(t, err)

	var got []byte
	ref := device.CharRef{Service: device.HeartRateService, Characteristic: device.HeartRateMeasChar}
	require.NoError(t, link.EnableNotification(context.Background(), ref, func(b []byte) { got = b }))
	assert.True(t, band.Notify(device.HeartRateMeasChar, []byte{0, 72}))
	assert.Equal(t, []byte{0, 72}, got)

	band.DropLink()
	select {
	case <-link.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("link MUST report disconnection")
	}

	_, err = link.Read(context.Background(), ref)
	assert.ErrorIs(t, err, device.ErrLinkLost)
	assert.False(t, band.Notify(device.HeartRateMeasChar, []byte{0, 80}))

	_, err = tr.Connect(context.Background(), "AA")
	assert.NoError(t, err, "band MUST accept a reconnect after link loss")
}

func TestPermissionsAndScan(t *testing.T) {
	tr := sim.New(nil,
		sim.NewBand("AA").WithCapabilities(device.Steps).Build(),
		sim.NewBand("BB").WithCapabilities(device.HeartRate).Build(),
	)

	tr.SetPermission(device.PermissionScan, false)
	assert.ErrorIs(t, tr.Authorize(device.PermissionScan), device.ErrPermission)
	assert.NoError(t, tr.Authorize(device.PermissionConnect))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	seen := map[string]bool{}
	_ = tr.Scan(ctx, []string{device.HeartRateService}, func(adv device.Advertisement) {
		seen[adv.Address] = true
	})
	assert.Equal(t, map[string]bool{"BB": true}, seen, "scan MUST honor service filters")
	assert.Equal(t, 1, tr.ScanStarts())
}
