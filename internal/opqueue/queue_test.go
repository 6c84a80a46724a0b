package opqueue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/opqueue"
	"github.com/srg/bandsync/internal/testutils"
	"github.com/srg/bandsync/internal/transport/sim"
	"github.com/stretchr/testify/suite"
)

var (
	control = device.CharRef{Service: device.StepsService, Characteristic: device.StepsControlChar}
	live    = device.CharRef{Service: device.StepsService, Characteristic: device.StepsLiveChar}
)

type QueueTestSuite struct {
	suite.Suite
	transport *sim.Transport
	band      *sim.Band
	link      device.Link
	queue     *opqueue.Queue
}

func (s *QueueTestSuite) SetupTest() {
	logger := testutils.NewTestHelper(s.T()).Logger
	s.band = sim.NewBand("AA").WithCapabilities(device.Steps).Build()
	s.transport = sim.New(logger, s.band)

	var err error
	s.link, err = s.transport.Connect(context.Background(), "AA")
	s.Require().NoError(err)

	s.queue = opqueue.New(time.Second, logger)
	s.Require().NoError(s.queue.Open("AA", s.link))
}

func (s *QueueTestSuite) TearDownTest() {
	s.queue.Shutdown()
	_ = s.link.Disconnect()
}

func request(minute int) opqueue.Operation {
	ts := time.Date(2024, 3, 15, 8, minute, 0, 0, time.UTC)
	payload, _ := codec.EncodeRequest(codec.PageRequest{Code: codec.CodeSteps, NewestBlock: ts, NewestEntry: ts})
	return opqueue.Operation{
		Kind:    opqueue.Write,
		Char:    control,
		Payload: payload,
	}
}

func await(s *suite.Suite, ch <-chan opqueue.Result) opqueue.Result {
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for operation result")
	}
	return opqueue.Result{}
}

func (s *QueueTestSuite) TestFIFOSingleFlight() {
	// GOAL: Verify operations on one device execute one at a time in submission order
	//
	// TEST SCENARIO: 5 writes submitted back to back against a slow band → band sees them in order, never overlapping

	s.band.SetOpDelay(20 * time.Millisecond)

	var results []<-chan opqueue.Result
	for i := 0; i < 5; i++ {
		results = append(results, s.queue.Submit(context.Background(), "AA", request(i)))
	}
	s.GreaterOrEqual(s.queue.Pending("AA"), 3, "operations MUST wait behind the one in flight")

	for i, ch := range results {
		r := await(&s.Suite, ch)
		s.NoError(r.Err)
		s.Equal(uint64(i+1), r.Seq, "sequence numbers MUST be monotonic per device")
	}

	reqs := s.band.PageRequests()
	s.Require().Len(reqs, 5)
	for i, req := range reqs {
		s.Equal(i, req.NewestEntry.Minute(), "transport MUST see operations in submission order")
	}

	counter, ok := s.link.(interface{ MaxConcurrentOps() int })
	s.Require().True(ok)
	s.Equal(1, counter.MaxConcurrentOps(), "at most one operation MUST be in flight")

	_, inFlight := s.queue.InFlight("AA")
	s.False(inFlight)
}

func (s *QueueTestSuite) TestTimeoutDiscardsLateCompletion() {
	// GOAL: Verify a timed-out operation fails with OperationTimeout, the queue advances,
	// and the late transport callback is discarded by sequence mismatch

	s.band.SetOpDelay(200 * time.Millisecond)
	slow := request(1)
	slow.Timeout = 20 * time.Millisecond
	first := s.queue.Submit(context.Background(), "AA", slow)
	second := s.queue.Submit(context.Background(), "AA", opqueue.Operation{Kind: opqueue.Read, Char: live})

	r := await(&s.Suite, first)
	s.ErrorIs(r.Err, device.ErrOperationTimeout)
	s.Equal(uint64(1), r.Seq)

	s.band.SetOpDelay(0)
	r = await(&s.Suite, second)
	s.NoError(r.Err, "queue MUST advance after a timeout")
	s.Equal(uint64(2), r.Seq)

	s.Eventually(func() bool { return s.queue.Stats().Discarded == 1 }, time.Second, 5*time.Millisecond,
		"late completion of the timed-out operation MUST be discarded")
	st := s.queue.Stats()
	s.Equal(int64(1), st.TimedOut)
	s.Equal(int64(2), st.Completed)
}

func (s *QueueTestSuite) TestCloseFailsEverythingWithLinkLost() {
	s.band.SetOpDelay(100 * time.Millisecond)
	var results []<-chan opqueue.Result
	for i := 0; i < 3; i++ {
		results = append(results, s.queue.Submit(context.Background(), "AA", request(i)))
	}

	cause := errors.New("supervision timeout")
	s.queue.Close("AA", cause)

	for _, ch := range results {
		r := await(&s.Suite, ch)
		s.ErrorIs(r.Err, device.ErrLinkLost)
		s.ErrorIs(r.Err, cause)
	}
	s.False(s.queue.IsOpen("AA"))

	r := await(&s.Suite, s.queue.Submit(context.Background(), "AA", request(9)))
	s.ErrorIs(r.Err, device.ErrNotConnected, "nothing MUST be queued on a closed link")

	s.Require().NoError(s.queue.Open("AA", s.link), "reconnect MUST get a fresh queue")
	s.Equal(0, s.queue.Pending("AA"))
}

func (s *QueueTestSuite) TestReopenAfterClose() {
	// GOAL: Verify a device can reconnect any number of times after its queue was closed
	//
	// TEST SCENARIO: open → close → reopen three times; every reopen returns promptly and dispatches

	for i := 0; i < 3; i++ {
		s.queue.Close("AA", errors.New("link dropped"))

		opened := make(chan error, 1)
		go func() { opened <- s.queue.Open("AA", s.link) }()
		select {
		case err := <-opened:
			s.Require().NoError(err, "reopen %d MUST succeed", i)
		case <-time.After(2 * time.Second):
			s.FailNow("reopen after close MUST NOT block")
		}

		s.True(s.queue.IsOpen("AA"))
		r := await(&s.Suite, s.queue.Submit(context.Background(), "AA", request(i)))
		s.NoError(r.Err, "reopened queue MUST dispatch")
	}

	err := s.queue.Open("AA", s.link)
	s.ErrorIs(err, device.ErrAlreadyInProgress, "open on a live queue MUST be rejected")
}

func (s *QueueTestSuite) TestShutdownCancels() {
	s.band.SetOpDelay(100 * time.Millisecond)
	inFlight := s.queue.Submit(context.Background(), "AA", request(1))
	queued := s.queue.Submit(context.Background(), "AA", request(2))

	s.queue.Shutdown()

	s.ErrorIs(await(&s.Suite, inFlight).Err, device.ErrCancelled, "in-flight result MUST NOT be delivered after shutdown")
	s.ErrorIs(await(&s.Suite, queued).Err, device.ErrCancelled)
	s.ErrorIs(await(&s.Suite, s.queue.Submit(context.Background(), "AA", request(3))).Err, device.ErrCancelled)
	s.ErrorIs(s.queue.Open("AA", s.link), device.ErrCancelled)
}

func (s *QueueTestSuite) TestCancelledCallerKeepsOrder() {
	// GOAL: Verify a caller whose context ends while waiting does not reorder the queue
	// and its operation never reaches the transport

	s.band.SetOpDelay(30 * time.Millisecond)
	first := s.queue.Submit(context.Background(), "AA", request(1))

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := s.queue.Submit(ctx, "AA", request(2))
	third := s.queue.Submit(context.Background(), "AA", request(3))
	cancel()

	s.NoError(await(&s.Suite, first).Err)
	r := await(&s.Suite, abandoned)
	s.ErrorIs(r.Err, device.ErrCancelled)
	s.Equal(uint64(2), r.Seq)
	s.NoError(await(&s.Suite, third).Err)

	reqs := s.band.PageRequests()
	s.Require().Len(reqs, 2)
	s.Equal(1, reqs[0].NewestEntry.Minute())
	s.Equal(3, reqs[1].NewestEntry.Minute())
}

func (s *QueueTestSuite) TestDoAndUnknownDevice() {
	_, err := s.queue.Do(context.Background(), "ZZ", opqueue.Operation{Kind: opqueue.Read, Char: live})
	s.ErrorIs(err, device.ErrNotConnected)

	res, err := s.queue.Do(context.Background(), "AA", opqueue.Operation{Kind: opqueue.DiscoverServices})
	s.Require().NoError(err)
	s.NotEmpty(res.Services)

	_, err = s.queue.Do(context.Background(), "AA", opqueue.Operation{
		Kind: opqueue.Read,
		Char: device.CharRef{Service: device.StepsService, Characteristic: device.SleepDataChar},
	})
	s.ErrorIs(err, device.ErrTransportFailure)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)

	s.ErrorIs(s.queue.Open("AA", s.link), device.ErrAlreadyInProgress)
}

func (s *QueueTestSuite) TestDevicesAreIndependent() {
	// GOAL: Verify a slow operation on one device does not delay another device's queue

	other := sim.NewBand("BB").WithCapabilities(device.Steps).Build()
	s.transport.AddBand(other)
	link, err := s.transport.Connect(context.Background(), "BB")
	s.Require().NoError(err)
	defer link.Disconnect()
	s.Require().NoError(s.queue.Open("BB", link))

	s.band.SetOpDelay(500 * time.Millisecond)
	slow := s.queue.Submit(context.Background(), "AA", request(1))

	start := time.Now()
	s.NoError(await(&s.Suite, s.queue.Submit(context.Background(), "BB", request(2))).Err)
	s.Less(time.Since(start), 250*time.Millisecond)

	s.queue.Close("AA", nil)
	s.ErrorIs(await(&s.Suite, slow).Err, device.ErrLinkLost)
	s.True(s.queue.IsOpen("BB"), "closing one device MUST NOT affect another")
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
