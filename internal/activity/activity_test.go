package activity_test

import (
	"testing"
	"time"

	"github.com/srg/bandsync/internal/activity"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		cadence  float64
		speed    float64
		running  bool
		expected activity.Type
	}{
		{"still", 5, 0.2, false, activity.Stationary},
		{"low cadence only", 5, 6, false, activity.Stationary},
		{"low speed only", 120, 0.4, true, activity.Stationary},
		{"slow walk", 80, 2.5, false, activity.WalkingSlow},
		{"normal walk by speed", 90, 4, false, activity.WalkingNormal},
		{"normal walk by cadence", 110, 2, false, activity.WalkingNormal},
		{"fast walk by cadence", 145, 5, false, activity.WalkingFast},
		{"fast walk by speed", 120, 7, false, activity.WalkingFast},
		{"speed above 8 takes the running path", 160, 9, false, activity.Jogging},
		{"running flag with low signals jogs", 60, 2, true, activity.Jogging},
		{"running by speed", 160, 12, false, activity.Running},
		{"running by cadence", 175, 7, true, activity.Running},
		{"sprint by cadence despite low speed", 210, 5, true, activity.Sprinting},
		{"sprint by speed", 160, 16, false, activity.Sprinting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, activity.Classify(tt.cadence, tt.speed, tt.running))
		})
	}
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "WALKING_FAST", activity.WalkingFast.String())
	assert.True(t, activity.Jogging.IsRunning())
	assert.False(t, activity.WalkingFast.IsRunning())

	typ, err := activity.ParseType("sprinting")
	require.NoError(t, err)
	assert.Equal(t, activity.Sprinting, typ)
	_, err = activity.ParseType("swimming")
	assert.Error(t, err)
}

func TestStrideTables(t *testing.T) {
	assert.InDelta(t, 0.7055, activity.BaseStride(170, activity.Male), 1e-9)
	assert.InDelta(t, 0.7021, activity.BaseStride(170, activity.Female), 1e-9)
	assert.InDelta(t, 0.7038, activity.BaseStride(170, activity.Unspecified), 1e-9)

	assert.Equal(t, 0.98, activity.WeightCorrection(17))
	assert.Equal(t, 1.00, activity.WeightCorrection(22))
	assert.Equal(t, 0.97, activity.WeightCorrection(27))
	assert.Equal(t, 0.94, activity.WeightCorrection(31))

	assert.Equal(t, 1.00, activity.AgeCorrection(25))
	assert.Equal(t, 0.98, activity.AgeCorrection(45))
	assert.Equal(t, 0.96, activity.AgeCorrection(55))
	assert.Equal(t, 0.93, activity.AgeCorrection(65))
	assert.Equal(t, 0.90, activity.AgeCorrection(75))

	assert.Equal(t, 0.0, activity.ActivityCorrection(activity.Stationary), "stationary MUST accrue no stride")
	assert.Equal(t, 1.60, activity.ActivityCorrection(activity.Sprinting))

	p := activity.Profile{HeightCm: 180, WeightKg: 90, Age: 52, Gender: activity.Male}
	assert.InDelta(t, 27.78, p.BMI(), 0.01)
	assert.InDelta(t, 1.80*0.415*0.97*0.96*1.25, activity.StrideLength(p, activity.Jogging), 1e-9)
}

func TestParseGender(t *testing.T) {
	g, err := activity.ParseGender(" Female ")
	require.NoError(t, err)
	assert.Equal(t, activity.Female, g)

	g, err = activity.ParseGender("")
	require.NoError(t, err)
	assert.Equal(t, activity.Unspecified, g)

	_, err = activity.ParseGender("other")
	assert.Error(t, err)
}

func TestEngineCorrectsAndAccumulates(t *testing.T) {
	// GOAL: Verify step correction blends cadence and distance estimates and totals accumulate until Reset
	//
	// TEST SCENARIO: normal walk for a minute → ~119 corrected vs 118 raw; stationary sample adds nothing

	e := activity.NewEngine(activity.Profile{HeightCm: 170, WeightKg: 70, Age: 30}, 8, testutils.NewTestHelper(t).Logger)
	defer e.Close()

	sub := e.Subscribe()
	defer sub.Close()

	r := e.Process(activity.Sample{Cadence: 120, SpeedKmh: 5, RawSteps: 118, Interval: time.Minute})
	assert.Equal(t, activity.WalkingNormal, r.Activity)
	assert.InDelta(t, 0.7038, r.StrideM, 1e-9)
	assert.Equal(t, 119, r.IncrementalCorrected)
	assert.Equal(t, 118, r.IncrementalUncorrected)
	assert.InDelta(t, 0.9867, r.Confidence, 0.001)
	assert.Equal(t, r, <-sub.C())

	still := e.Process(activity.Sample{Cadence: 0, SpeedKmh: 0, RawSteps: 3, Interval: 10 * time.Second})
	assert.Equal(t, activity.Stationary, still.Activity)
	assert.Equal(t, 0, still.IncrementalCorrected, "stationary samples MUST NOT accrue corrected steps")
	assert.Equal(t, 0.5, still.Confidence)
	assert.Equal(t, 119, still.TotalCorrected)
	assert.Equal(t, 121, still.TotalUncorrected)

	corrected, uncorrected := e.Totals()
	assert.Equal(t, 119, corrected)
	assert.Equal(t, 121, uncorrected)

	recent := e.DrainRecent()
	require.Len(t, recent, 2)
	assert.Equal(t, activity.WalkingNormal, recent[0].Activity)
	assert.Empty(t, e.DrainRecent(), "drain MUST consume the buffer")

	e.Reset()
	corrected, uncorrected = e.Totals()
	assert.Zero(t, corrected)
	assert.Zero(t, uncorrected)

	zero := e.Process(activity.Sample{})
	assert.Equal(t, 1.0, zero.Confidence, "no movement and no raw steps MUST be fully confident")
	assert.Equal(t, int64(3), e.Metrics().Processed)
}

func TestEngineRecentRingOverwritesOldest(t *testing.T) {
	e := activity.NewEngine(activity.Profile{HeightCm: 170}, 4, nil)
	defer e.Close()

	for i := 1; i <= 20; i++ {
		e.Process(activity.Sample{Cadence: float64(100 + i), SpeedKmh: 4, RawSteps: i, Interval: time.Second})
	}
	recent := e.DrainRecent()
	require.NotEmpty(t, recent)
	assert.LessOrEqual(t, len(recent), 4)
	assert.Equal(t, 20, recent[len(recent)-1].IncrementalUncorrected, "newest result MUST survive overflow")
	assert.Positive(t, e.Metrics().Overwritten)
}

func TestSampleFromLive(t *testing.T) {
	at := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := activity.SampleFromLive(codec.LiveActivity{Cadence: 165, SpeedKmh: 11.5, Running: true, RawSteps: 27, Interval: 10 * time.Second}, at)
	assert.Equal(t, activity.Running, activity.Classify(s.Cadence, s.SpeedKmh, s.Running))
	assert.Equal(t, 27, s.RawSteps)
	assert.Equal(t, at, s.At)
}
