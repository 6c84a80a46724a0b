package activity

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/pkg/config"
)

// DefaultHistorySize is the number of recent results kept when none is configured
const DefaultHistorySize uint32 = 256

// Sample is one motion measurement
type Sample struct {
	Cadence  float64 // steps/min
	SpeedKmh float64
	Running  bool
	RawSteps int           // steps counted by the band over Interval
	Interval time.Duration // 0 is treated as one second
	At       time.Time
}

// SampleFromLive converts a decoded live-activity notification
func SampleFromLive(l codec.LiveActivity, at time.Time) Sample {
	return Sample{
		Cadence:  l.Cadence,
		SpeedKmh: l.SpeedKmh,
		Running:  l.Running,
		RawSteps: int(l.RawSteps),
		Interval: l.Interval,
		At:       at,
	}
}

// Result is the classification and step correction of one sample
type Result struct {
	Activity               Type      `json:"activity" yaml:"activity" cbor:"activity"`
	StrideM                float64   `json:"stride_m" yaml:"stride_m" cbor:"stride_m"`
	IncrementalCorrected   int       `json:"incremental_corrected" yaml:"incremental_corrected" cbor:"incremental_corrected"`
	IncrementalUncorrected int       `json:"incremental_uncorrected" yaml:"incremental_uncorrected" cbor:"incremental_uncorrected"`
	TotalCorrected         int       `json:"total_corrected" yaml:"total_corrected" cbor:"total_corrected"`
	TotalUncorrected       int       `json:"total_uncorrected" yaml:"total_uncorrected" cbor:"total_uncorrected"`
	Confidence             float64   `json:"confidence" yaml:"confidence" cbor:"confidence"`
	Cadence                float64   `json:"cadence" yaml:"cadence" cbor:"cadence"`
	SpeedKmh               float64   `json:"speed_kmh" yaml:"speed_kmh" cbor:"speed_kmh"`
	At                     time.Time `json:"at" yaml:"at" cbor:"at"`
}

// Metrics are lock-free engine counters
type Metrics struct {
	Processed   int64
	Overwritten int64 // recent results dropped from the history ring
}

// Engine accumulates corrected and uncorrected step totals across samples
type Engine struct {
	logger *logrus.Logger

	mu          sync.Mutex
	profile     Profile
	corrected   int
	uncorrected int

	recent      mpmc.RichOverlappedRingBuffer[Result]
	results     *broadcast.Stream[Result]
	processed   atomic.Int64
	overwritten atomic.Int64
}

// NewEngine creates an engine for the wearer. historySize bounds the recent-results ring.
func NewEngine(profile Profile, historySize uint32, logger *logrus.Logger) *Engine {
	if historySize == 0 {
		historySize = DefaultHistorySize
	}
	if profile.Gender == "" {
		profile.Gender = Unspecified
	}
	return &Engine{
		logger:  config.OrNop(logger),
		profile: profile,
		recent:  mpmc.NewOverlappedRingBuffer[Result](historySize),
		results: broadcast.New[Result](broadcast.ReplayLatest, broadcast.DefaultCapacity),
	}
}

// Process classifies the sample, corrects its step count and updates the totals
func (e *Engine) Process(s Sample) Result {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}

	e.mu.Lock()
	activity := Classify(s.Cadence, s.SpeedKmh, s.Running)
	stride := StrideLength(e.profile, activity)
	corrected, confidence := correct(activity, s, interval, stride)

	e.corrected += corrected
	e.uncorrected += s.RawSteps
	res := Result{
		Activity:               activity,
		StrideM:                stride,
		IncrementalCorrected:   corrected,
		IncrementalUncorrected: s.RawSteps,
		TotalCorrected:         e.corrected,
		TotalUncorrected:       e.uncorrected,
		Confidence:             confidence,
		Cadence:                s.Cadence,
		SpeedKmh:               s.SpeedKmh,
		At:                     s.At,
	}
	e.mu.Unlock()

	if overwrites, err := e.recent.EnqueueM(res); err != nil {
		e.logger.WithField("error", err).Warn("Failed to record step result")
	} else {
		e.overwritten.Add(int64(overwrites))
	}
	e.processed.Add(1)
	e.results.Publish(res)

	e.logger.WithFields(logrus.Fields{
		"activity":    activity.String(),
		"cadence":     s.Cadence,
		"speed":       s.SpeedKmh,
		"corrected":   corrected,
		"uncorrected": s.RawSteps,
		"confidence":  confidence,
	}).Debug("Step sample processed")
	return res
}

// correct estimates steps from cadence and from distance over stride, and rates how well
// both estimates agree
func correct(activity Type, s Sample, interval time.Duration, stride float64) (int, float64) {
	if activity == Stationary || stride <= 0 {
		if s.RawSteps == 0 {
			return 0, 1
		}
		return 0, 0.5
	}

	secs := interval.Seconds()
	byCadence := s.Cadence * secs / 60
	byDistance := (s.SpeedKmh / 3.6 * secs) / stride
	corrected := int(math.Round((byCadence + byDistance) / 2))

	hi := math.Max(byCadence, byDistance)
	if hi == 0 {
		return corrected, 1
	}
	confidence := 1 - math.Abs(byCadence-byDistance)/hi
	return corrected, math.Min(1, math.Max(0, confidence))
}

// SetProfile replaces the wearer profile for subsequent samples
func (e *Engine) SetProfile(p Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Gender == "" {
		p.Gender = Unspecified
	}
	e.profile = p
}

// Profile returns the current wearer profile
func (e *Engine) Profile() Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// Totals returns the accumulated corrected and uncorrected steps
func (e *Engine) Totals() (corrected, uncorrected int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corrected, e.uncorrected
}

// Reset zeroes the totals and drops the recent results
func (e *Engine) Reset() {
	e.mu.Lock()
	e.corrected, e.uncorrected = 0, 0
	e.mu.Unlock()
	e.DrainRecent()
	e.logger.Debug("Step totals reset")
}

// DrainRecent removes and returns the buffered recent results, oldest first
func (e *Engine) DrainRecent() []Result {
	var out []Result
	for !e.recent.IsEmpty() {
		r, err := e.recent.Dequeue()
		if err != nil {
			break
		}
		out = append(out, r)
	}
	return out
}

// Subscribe streams results; late subscribers see the latest one
func (e *Engine) Subscribe() *broadcast.Subscription[Result] {
	return e.results.Subscribe()
}

// Metrics returns a copy of the counters
func (e *Engine) Metrics() Metrics {
	return Metrics{Processed: e.processed.Load(), Overwritten: e.overwritten.Load()}
}

// Close ends every result subscription
func (e *Engine) Close() {
	e.results.Close()
}
