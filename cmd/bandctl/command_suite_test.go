package main

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/transport/sim"
	"github.com/stretchr/testify/suite"
)

// Test band addresses for consistent fixture identification
const (
	TestBandAddress  = "C0:00:00:00:00:01"
	UnknownAddress   = "C0:00:00:00:00:FF"
	testAdvertiseGap = 5 * time.Millisecond
)

// fixtureBase is the timestamp of the first history record on the fixture band
var fixtureBase = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

// CommandTestSuite swaps the transport factory for a simulated band.
// All cmd/bandctl test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Band      *sim.Band
	Transport *sim.Transport

	originalFactory func(string, *logrus.Logger) (device.Transport, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Band = sim.NewBand(TestBandAddress).
		WithName("Fixture Band").
		WithRSSI(-52).
		WithCapabilities(device.Steps, device.HeartRate).
		WithHistory(codec.CodeSteps,
			codec.StepRecord{RecordHeader: codec.RecordHeader{Seq: 1, Time: fixtureBase}, Steps: 40},
			codec.StepRecord{RecordHeader: codec.RecordHeader{Seq: 2, Time: fixtureBase.Add(time.Minute)}, Steps: 41},
		).
		Build()

	s.Transport = sim.New(logrus.New(), s.Band)
	s.Transport.SetAdvertiseInterval(testAdvertiseGap)

	s.originalFactory = transportFactory
	transportFactory = func(string, *logrus.Logger) (device.Transport, error) {
		return s.Transport, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.originalFactory
}

// ExecuteCommand runs bandctl with args, returns stdout and the command error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext runs bandctl under ctx. Stderr (progress, logs) is discarded.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	out := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}
