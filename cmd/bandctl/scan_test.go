package main

import (
	"testing"

	"github.com/srg/bandsync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CommandTestSuite
}

func (s *ScanTestSuite) TestScanJSON() {
	// GOAL: Verify a timed scan lists the advertising band with its recognized capabilities
	//
	// TEST SCENARIO: scan 200ms as JSON → one band, disconnected, steps + heart_rate recognized

	out, err := s.ExecuteCommand("scan", "-d", "200ms", "-f", "json")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).
		WithOptions(testutils.WithIgnoredFields("last_seen", "service_ids")).
		Assert(out, `[{
			"address": "C0:00:00:00:00:01",
			"name": "Fixture Band",
			"rssi": -52,
			"recognized": ["steps", "heart_rate"],
			"state": "DISCONNECTED",
			"unresponsive": false
		}]`)
}

func (s *ScanTestSuite) TestScanServiceFilter() {
	// GOAL: Verify --services keeps only bands advertising one of the listed services
	//
	// TEST SCENARIO: short 16-bit heart rate UUID matches; battery UUID matches nothing

	out, err := s.ExecuteCommand("scan", "-d", "200ms", "-s", "180d", "-f", "json")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `[{"address":"C0:00:00:00:00:01"}]`)

	out, err = s.ExecuteCommand("scan", "-d", "200ms", "-s", "180F")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "No bands discovered\n")
}

func (s *ScanTestSuite) TestScanTable() {
	out, err := s.ExecuteCommand("scan", "-d", "200ms")
	s.Require().NoError(err)
	s.Contains(out, "NAME")
	s.Contains(out, "CAPABILITIES")
	s.Contains(out, "Fixture Band")
	s.Contains(out, "-52 dBm")
	s.Contains(out, "steps,heart_rate")
}

func (s *ScanTestSuite) TestScanRejectsBadInput() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown format", []string{"scan", "-f", "xml"}, "invalid format 'xml'"},
		{"unknown type", []string{"scan", "-t", "blood_pressure"}, "blood_pressure"},
		{"bad service", []string{"scan", "-s", "not-a-uuid"}, "invalid service UUID"},
		{"bad log level", []string{"scan", "--log-level", "loud"}, "invalid log level"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err, "%s MUST be rejected", tt.name)
			s.Contains(err.Error(), tt.want)
		})
	}
	s.Zero(s.Transport.ScanStarts(), "invalid input MUST NOT start a scan")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
