package sim

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
)

// DemoBand builds a band exposing every capability with a day of generated history ending at until
func DemoBand(address string, until time.Time) *Band {
	start := until.Add(-24 * time.Hour).Truncate(time.Minute)
	rng := rand.New(rand.NewPCG(uint64(len(address)), 7))

	var steps, hr, sleep, hrv []codec.Record
	for i := 0; i < 24*4; i++ {
		ts := start.Add(time.Duration(i) * 15 * time.Minute)
		h := codec.RecordHeader{Seq: uint16(i + 1), Time: ts}
		n := uint16(rng.IntN(1500))
		steps = append(steps, codec.StepRecord{RecordHeader: h, Steps: n, DistanceM: n * 7 / 10, Kcal: n / 25})
		hr = append(hr, codec.HeartRateRecord{RecordHeader: h, BPM: uint8(55 + rng.IntN(60)), Confidence: uint8(70 + rng.IntN(31))})
		if ts.Hour() < 7 {
			sleep = append(sleep, codec.SleepRecord{RecordHeader: h, Stage: codec.SleepStage(rng.IntN(4)), Minutes: 15})
			hrv = append(hrv, codec.HRVRecord{RecordHeader: h, RMSSDMs: 20 + rng.Float64()*60, SDNNMs: 30 + rng.Float64()*70, Stress: uint8(rng.IntN(100))})
		}
	}

	return NewBand(address).
		WithName("Demo Band").
		WithCapabilities(device.Steps, device.HeartRate, device.Sleep, device.HRV, device.Battery).
		WithHistory(codec.CodeSteps, steps...).
		WithHistory(codec.CodeHeartRate, hr...).
		WithHistory(codec.CodeSleep, sleep...).
		WithHistory(codec.CodeHRV, hrv...).
		WithPageSize(16).
		Build()
}

// StartActivity notifies a synthetic walking/running sample on the steps live characteristic
// every interval until ctx is done.
func (b *Band) StartActivity(ctx context.Context, interval time.Duration) {
	groutine.Go(ctx, "sim-activity-"+b.address, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := uint16(interval / time.Second)
		if secs == 0 {
			secs = 1
		}
		phase := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			phase++
			cadence := 90 + float64(phase%12)*10
			speed := cadence / 20
			sample := codec.LiveActivity{
				Cadence:  cadence,
				SpeedKmh: speed,
				Running:  cadence > 150,
				RawSteps: uint16(cadence * float64(secs) / 60),
				Interval: time.Duration(secs) * time.Second,
			}
			b.Notify(device.StepsLiveChar, codec.EncodeLiveActivity(sample))
		}
	})
}
