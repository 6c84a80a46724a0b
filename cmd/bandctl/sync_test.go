package main

import (
	"errors"
	"testing"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SyncTestSuite struct {
	CommandTestSuite
}

func (s *SyncTestSuite) TestSyncJSON() {
	// GOAL: Verify sync discovers the band, pages through steps history and reports the session
	//
	// TEST SCENARIO: sync steps with --records → completed, 1 page, 2 records, items included

	out, err := s.ExecuteCommand("sync", "c0:00:00:00:00:01", "-t", "steps", "-f", "json", "--records", "--discover-timeout", "2s")
	s.Require().NoError(err, "sync MUST succeed")

	testutils.NewJSONAsserter(s.T()).
		WithOptions(testutils.WithIgnoredFields("newest_block", "newest_entry")).
		Assert(out, `[{
			"capability": "steps",
			"status": "completed",
			"pages": 1,
			"records": 2,
			"retries": 0,
			"items": [{"seq": 1, "steps": 40}, {"seq": 2, "steps": 41}]
		}]`)
	s.Equal(1, s.Band.DisconnectCalls(), "sync MUST disconnect when done")
}

func (s *SyncTestSuite) TestSyncSince() {
	// GOAL: Verify --since becomes the watermark sent in the first page request
	//
	// TEST SCENARIO: --since after both records → completed with zero records

	out, err := s.ExecuteCommand("sync", TestBandAddress, "-t", "steps", "-f", "json",
		"--since", "2024-03-15T09:00:00Z", "--discover-timeout", "2s")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `[{"capability":"steps","status":"completed"}]`)

	requests := s.Band.PageRequests()
	s.Require().NotEmpty(requests)
	s.Equal(2024, requests[0].NewestBlock.Year(), "first request MUST carry the resume watermark")
}

func (s *SyncTestSuite) TestSyncReportsFailedSession() {
	// GOAL: Verify a session that exhausts its retries is rendered and returned as an error
	//
	// TEST SCENARIO: corrupt every steps page → status failed, command error names the capability

	s.Band.CorruptNextPages(codec.CodeSteps, 100)

	out, err := s.ExecuteCommand("sync", TestBandAddress, "-t", "steps", "-f", "json", "--discover-timeout", "2s")
	s.Require().Error(err, "failed session MUST fail the command")
	s.Contains(err.Error(), "steps")
	testutils.NewJSONAsserter(s.T()).Assert(out, `[{"capability":"steps","status":"failed","error":"<<PRESENCE>>"}]`)
}

func (s *SyncTestSuite) TestSyncUnknownBand() {
	_, err := s.ExecuteCommand("sync", UnknownAddress, "--discover-timeout", "100ms")
	s.Require().Error(err)

	var nf *device.NotFoundError
	s.Require().True(errors.As(err, &nf), "missing band MUST be a not-found error, got %v", err)
	s.Equal([]string{UnknownAddress}, nf.IDs)
	s.Contains(FormatUserError(err), "band "+UnknownAddress+" not found")
}

func (s *SyncTestSuite) TestSyncRejectsBadInput() {
	_, err := s.ExecuteCommand("sync", TestBandAddress, "--since", "yesterday")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid --since")
	s.True(device.IsKind(err, device.KindConfiguration), "unparsable --since MUST be a configuration error, got %v", err)

	_, err = s.ExecuteCommand("sync", TestBandAddress, "-t", "battery")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindUnsupported), "type without history MUST be unsupported, got %v", err)

	_, err = s.ExecuteCommand("sync")
	s.Require().Error(err, "sync MUST require an address")
}

func (s *SyncTestSuite) TestSyncRejectsSinceOutsideBandClock() {
	// GOAL: Verify --since years the band clock cannot represent fail before any request is written
	//
	// TEST SCENARIO: 1999 and 2100 → configuration error naming the flag; the band never sees a request

	for _, since := range []string{"1999-12-31T23:59:59Z", "2100-01-01T00:00:00Z"} {
		s.Run(since, func() {
			_, err := s.ExecuteCommand("sync", TestBandAddress, "--since", since)
			s.Require().Error(err)
			s.True(device.IsKind(err, device.KindConfiguration), "out-of-range --since MUST be a configuration error, got %v", err)
			s.Contains(err.Error(), "invalid --since")
			s.Contains(FormatUserError(err), "invalid configuration: ")
		})
	}
	s.Empty(s.Band.PageRequests(), "no page request MUST be sent for a rejected watermark")
	s.Zero(s.Band.Connects(), "the band MUST NOT be contacted")
}

func TestSyncTestSuite(t *testing.T) {
	suite.Run(t, new(SyncTestSuite))
}
