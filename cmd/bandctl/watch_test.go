package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type WatchTestSuite struct {
	CommandTestSuite
}

var liveWalk = codec.EncodeLiveActivity(codec.LiveActivity{
	Cadence:  120,
	SpeedKmh: 5,
	RawSteps: 20,
	Interval: 10 * time.Second,
})

// notifyWhenSubscribed pushes one live sample once the command has enabled notifications
func (s *WatchTestSuite) notifyWhenSubscribed(data []byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if s.Band.Notify(device.StepsLiveChar, data) {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return done
}

func (s *WatchTestSuite) TestWatchStreamsResults() {
	// GOAL: Verify watch prints one line per classified live sample and the totals on exit
	//
	// TEST SCENARIO: live sample of 20 steps → JSON result line; duration elapses → totals line

	notified := s.notifyWhenSubscribed(liveWalk)
	out, err := s.ExecuteCommand("watch", TestBandAddress, "-d", "1s", "-f", "json", "--discover-timeout", "2s")
	<-notified
	s.Require().NoError(err, "watch MUST end cleanly when its duration elapses")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 2, "watch MUST print one result and the totals, got %q", out)

	ja := testutils.NewJSONAsserter(s.T())
	ja.Assert(lines[0], `{"activity":"WALKING_NORMAL","incremental_uncorrected":20,"cadence":120}`)
	ja.Assert(lines[1], `{"total_uncorrected":20,"total_corrected":"<<PRESENCE>>"}`)
}

func (s *WatchTestSuite) TestWatchTable() {
	notified := s.notifyWhenSubscribed(liveWalk)
	out, err := s.ExecuteCommand("watch", TestBandAddress, "-d", "1s", "--discover-timeout", "2s")
	<-notified
	s.Require().NoError(err)

	s.Contains(out, "ACTIVITY")
	s.Contains(out, "WALKING_NORMAL")
	s.Contains(out, "(20 counted by the band)")
}

func (s *WatchTestSuite) TestWatchLinkLost() {
	// GOAL: Verify watch stops with ErrConnectionLost when the band drops the link
	//
	// TEST SCENARIO: band connects → link dropped → totals printed, connection lost returned

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) && len(s.Band.EnabledNotifications()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		s.Band.DropLink()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.ExecuteCommandContext(ctx, "watch", TestBandAddress, "--discover-timeout", "2s")
	s.Require().Error(err)
	s.True(errors.Is(err, ErrConnectionLost), "dropped link MUST surface as ErrConnectionLost, got %v", err)
	s.Contains(out, "Total: 0 steps")
	s.Contains(FormatUserError(err), "connection lost")
}

func (s *WatchTestSuite) TestWatchRejectsYAML() {
	_, err := s.ExecuteCommand("watch", TestBandAddress, "-f", "yaml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format 'yaml'")
}

func TestWatchTestSuite(t *testing.T) {
	suite.Run(t, new(WatchTestSuite))
}
