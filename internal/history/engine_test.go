package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/history"
	"github.com/srg/bandsync/internal/opqueue"
	"github.com/srg/bandsync/internal/testutils"
	"github.com/srg/bandsync/internal/transport/sim"
	"github.com/stretchr/testify/suite"
)

const band = "AA:00"

func stepRecords(from, n int) []codec.Record {
	out := make([]codec.Record, n)
	for i := range out {
		out[i] = codec.StepRecord{
			RecordHeader: codec.RecordHeader{Seq: uint16(from + i), Time: at(from + i)},
			Steps:        uint16(100 + i),
		}
	}
	return out
}

func hrRecords(n int) []codec.Record {
	out := make([]codec.Record, n)
	for i := range out {
		out[i] = codec.HeartRateRecord{RecordHeader: codec.RecordHeader{Seq: uint16(i + 1), Time: at(i)}, BPM: 60, Confidence: 90}
	}
	return out
}

type SyncEngineTestSuite struct {
	suite.Suite
	band   *sim.Band
	link   device.Link
	queue  *opqueue.Queue
	engine *history.Engine
}

func (s *SyncEngineTestSuite) SetupTest() {
	s.band = sim.NewBand(band).
		WithCapabilities(device.Steps, device.HeartRate, device.Battery).
		WithHistory(codec.CodeSteps, stepRecords(1, 10)...).
		WithHistory(codec.CodeHeartRate, hrRecords(6)...).
		WithPageSize(4).
		WithReadChunk(7).
		Build()
	s.newEngine(nil)
}

func (s *SyncEngineTestSuite) newEngine(opts *history.Options) {
	logger := testutils.NewTestHelper(s.T()).Logger
	tr := sim.New(logger, s.band)

	var err error
	s.link, err = tr.Connect(context.Background(), band)
	s.Require().NoError(err)
	s.queue = opqueue.New(time.Second, logger)
	s.Require().NoError(s.queue.Open(band, s.link))
	s.engine = history.NewEngine(s.queue, nil, opts, logger)
}

func (s *SyncEngineTestSuite) TearDownTest() {
	s.engine.Close()
	s.queue.Shutdown()
	_ = s.link.Disconnect()
}

func (s *SyncEngineTestSuite) sync(id device.CapabilityID, from history.Watermark) (*history.Session, history.Result) {
	session, err := s.engine.Sync(context.Background(), band, id, from)
	s.Require().NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, _ := session.Wait(ctx)
	return session, res
}

func (s *SyncEngineTestSuite) TestFullSyncPaginatesUntilLastPage() {
	// GOAL: Verify pages are requested until hasMoreData is false and every record is folded into the watermark
	//
	// TEST SCENARIO: 10 records, 4 per page, 7-byte reads → 3 pages, watermark at the newest record

	pages := s.engine.SubscribePages()
	defer pages.Close()

	session, res := s.sync(device.Steps, history.Watermark{})
	s.Require().NoError(res.Err)
	s.Equal(history.Completed, res.Status)
	s.Equal(3, res.Pages)
	s.Equal(10, res.Records)
	s.Equal(session.ID, res.SessionID)
	s.NotEmpty(res.SessionID)

	records := session.Records()
	s.Require().Len(records, 10)
	for i, r := range records {
		s.Equal(uint16(i+1), r.Header().Seq, "records MUST keep page order")
	}
	s.True(at(10).Equal(res.Watermark.NewestEntryTime()))
	s.True(at(10).Equal(res.Watermark.NewestBlockTime()))

	reqs := s.band.PageRequests()
	s.Require().Len(reqs, 3)
	s.True(reqs[0].NewestEntry.IsZero(), "first request MUST sync from the beginning")
	s.True(at(4).Equal(reqs[1].NewestEntry))
	s.True(at(8).Equal(reqs[2].NewestEntry))

	var prev time.Time
	for i := 0; i < 3; i++ {
		p := <-pages.C()
		s.Equal(i, p.Index)
		s.Equal(device.Steps, p.Capability)
		s.False(p.Watermark.NewestEntryTime().Before(prev), "page watermark snapshots MUST be non-decreasing")
		prev = p.Watermark.NewestEntryTime()
	}
}

func (s *SyncEngineTestSuite) TestIncrementalResume() {
	_, first := s.sync(device.Steps, history.Watermark{})
	s.Require().NoError(first.Err)
	resume := first.Watermark.Commit()

	s.band.AddHistory(codec.CodeSteps, stepRecords(11, 3)...)
	session, second := s.sync(device.Steps, resume)
	s.Require().NoError(second.Err)
	s.Equal(1, second.Pages)
	s.Equal(3, second.Records)
	s.Equal(uint16(11), session.Records()[0].Header().Seq, "resume MUST fetch only records newer than the watermark")
	s.True(at(13).Equal(second.Watermark.NewestEntryTime()))

	_, third := s.sync(device.Steps, second.Watermark.Commit())
	s.Require().NoError(third.Err)
	s.Equal(0, third.Records)
	s.True(third.Watermark.Equal(second.Watermark), "an empty sync MUST leave the watermark where it was")
}

func (s *SyncEngineTestSuite) TestCorruptedPageIsRetried() {
	s.band.CorruptNextPages(codec.CodeSteps, 2)

	_, res := s.sync(device.Steps, history.Watermark{})
	s.Require().NoError(res.Err)
	s.Equal(2, res.Retries)
	s.Equal(10, res.Records, "no corrupted page MUST be folded and no page MUST be lost")
	s.Len(s.band.PageRequests(), 5)
}

func (s *SyncEngineTestSuite) TestCorruptedPageBeyondRetryBoundFailsSession() {
	// GOAL: Verify a page with a bad trailer never advances the watermark and exhausting retries
	// reports ProtocolError with the watermark unchanged
	//
	// TEST SCENARIO: resume from minute 4, every page corrupted → 1 + 3 attempts → Failed(ProtocolError)

	from := history.NewWatermark(at(4), at(4))
	s.band.CorruptNextPages(codec.CodeSteps, 100)

	session, res := s.sync(device.Steps, from)
	s.Equal(history.Failed, res.Status)
	s.ErrorIs(res.Err, device.ErrProtocol)
	s.Contains(res.Err.Error(), "CRC mismatch")
	s.True(from.LastBlockTime().Equal(res.Watermark.NewestBlockTime()), "lastBlockTime MUST be unchanged")
	s.True(from.LastEntryTime().Equal(res.Watermark.NewestEntryTime()), "lastEntryTime MUST be unchanged")
	s.Empty(session.Records())
	s.Len(s.band.PageRequests(), 4)
	s.Equal(3, res.Retries)

	s.True(s.queue.IsOpen(band), "protocol errors MUST leave the connection intact")
	s.band.CorruptNextPages(codec.CodeSteps, 0)
	_, res = s.sync(device.HeartRate, history.Watermark{})
	s.NoError(res.Err, "other capabilities MUST be unaffected")
}

func (s *SyncEngineTestSuite) TestSameCapabilityIsExclusive() {
	s.band.SetOpDelay(10 * time.Millisecond)

	steps, err := s.engine.Sync(context.Background(), band, device.Steps, history.Watermark{})
	s.Require().NoError(err)
	s.True(s.engine.Running(band, device.Steps))

	_, err = s.engine.Sync(context.Background(), band, device.Steps, history.Watermark{})
	s.ErrorIs(err, device.ErrAlreadyInProgress)

	hr, err := s.engine.Sync(context.Background(), band, device.HeartRate, history.Watermark{})
	s.Require().NoError(err, "different capabilities MUST run concurrently")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stepsRes, err := steps.Wait(ctx)
	s.Require().NoError(err)
	hrRes, err := hr.Wait(ctx)
	s.Require().NoError(err)
	s.Equal(10, stepsRes.Records)
	s.Equal(6, hrRes.Records)
	s.False(s.engine.Running(band, device.Steps))

	counter, ok := s.link.(interface{ MaxConcurrentOps() int })
	s.Require().True(ok)
	s.Equal(1, counter.MaxConcurrentOps(), "interleaved sessions MUST still go through the single-flight queue")
}

func (s *SyncEngineTestSuite) TestSyncAll() {
	s.band.CorruptNextPages(codec.CodeHeartRate, 100)

	results, err := s.engine.SyncAll(context.Background(), band,
		[]device.CapabilityID{device.Steps, device.HeartRate, device.Battery}, nil)
	s.Require().NoError(err)
	s.Require().Len(results, 3)

	s.Equal(history.Completed, results[device.Steps].Status)
	s.Equal(history.Failed, results[device.HeartRate].Status)
	s.ErrorIs(results[device.HeartRate].Err, device.ErrProtocol)
	s.ErrorIs(results[device.Battery].Err, device.ErrUnsupported)
}

func (s *SyncEngineTestSuite) TestSynchronousErrors() {
	_, err := s.engine.Sync(context.Background(), "ZZ", device.Steps, history.Watermark{})
	s.ErrorIs(err, device.ErrNotConnected)

	_, err = s.engine.Sync(context.Background(), band, device.Battery, history.Watermark{})
	s.ErrorIs(err, device.ErrUnsupported)

	_, err = s.engine.Sync(context.Background(), band, device.CapabilityID("spo2"), history.Watermark{})
	s.ErrorIs(err, device.ErrConfiguration)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *SyncEngineTestSuite) TestWatermarkOutsideBandClockIsRejected() {
	// GOAL: Verify a resume point the band clock cannot encode fails Sync synchronously
	//
	// TEST SCENARIO: watermark in 1999 → Configuration error, no session and no page request

	old := time.Date(1999, time.December, 31, 23, 0, 0, 0, time.UTC)
	session, err := s.engine.Sync(context.Background(), band, device.Steps, history.NewWatermark(old, old))
	s.Require().ErrorIs(err, device.ErrConfiguration, "year before 2000 MUST be a configuration error")
	s.Nil(session)
	s.Empty(s.band.PageRequests(), "no request MUST reach the band")

	_, result := s.sync(device.Steps, history.Watermark{})
	s.Equal(history.Completed, result.Status, "a rejected watermark MUST NOT leave the capability busy")
}

func (s *SyncEngineTestSuite) TestMaxPagesGuard() {
	s.engine.Close()
	s.engine = history.NewEngine(s.queue, nil, &history.Options{MaxPages: 2}, nil)

	_, res := s.sync(device.Steps, history.Watermark{})
	s.ErrorIs(res.Err, device.ErrProtocol)
	s.Equal(2, res.Pages)
	s.True(at(8).Equal(res.Watermark.NewestEntryTime()), "accepted pages MUST stay folded")
}

func (s *SyncEngineTestSuite) TestLinkLossAndCancel() {
	s.band.SetOpDelay(20 * time.Millisecond)
	session, err := s.engine.Sync(context.Background(), band, device.Steps, history.Watermark{})
	s.Require().NoError(err)
	session.Cancel()
	res, _ := session.Wait(context.Background())
	s.Equal(history.Cancelled, res.Status)

	s.band.SetOpDelay(0)
	s.band.DropLinkAfter(2)
	_, res = s.sync(device.Steps, history.Watermark{})
	s.Equal(history.Failed, res.Status)
	s.ErrorIs(res.Err, device.ErrLinkLost)
	s.Equal(0, res.Retries, "link loss MUST NOT be retried")
}

func (s *SyncEngineTestSuite) TestBandTimezone() {
	loc := time.FixedZone("CEST", 2*60*60)
	s.band = sim.NewBand(band).
		WithCapabilities(device.Steps).
		WithHistory(codec.CodeSteps, stepRecords(1, 2)...).
		WithTimezone(loc).
		Build()
	s.TearDownTest()
	s.newEngine(&history.Options{Location: loc})

	session, res := s.sync(device.Steps, history.Watermark{})
	s.Require().NoError(res.Err)
	s.True(at(1).Equal(session.Records()[0].Header().Time), "BCD times MUST decode in the band's timezone")
}

func TestSyncEngineTestSuite(t *testing.T) {
	suite.Run(t, new(SyncEngineTestSuite))
}
