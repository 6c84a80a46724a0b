package history

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
)

// Status of a sync session
type Status int

const (
	Running Status = iota
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result summarizes a finished session. Watermark is the state to resume from:
// it includes every accepted page and nothing from a rejected one.
type Result struct {
	SessionID  string
	Address    string
	Capability device.CapabilityID
	Status     Status
	Pages      int
	Records    int
	Retries    int
	Watermark  Watermark
	Started    time.Time
	Finished   time.Time
	Err        error
}

// Session is one running sync of one capability on one device
type Session struct {
	ID         string
	Address    string
	Capability device.CapabilityID
	Started    time.Time

	from   Watermark
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	records []codec.Record
	pages   int
	retries int
	result  Result
}

// Done is closed when the session has finished
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes or ctx ends
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.result.Err
	case <-ctx.Done():
		return Result{}, &device.Error{Kind: device.KindCancelled, Op: "sync", Address: s.Address, Err: ctx.Err()}
	}
}

// Cancel stops the session after the operation in flight
func (s *Session) Cancel() {
	s.cancel()
}

// Records returns the records accepted so far, in page order
func (s *Session) Records() []codec.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Progress returns accepted pages and records
func (s *Session) Progress() (pages, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages, len(s.records)
}

func (s *Session) accept(p *codec.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages++
	s.records = append(s.records, p.Records...)
}

func (s *Session) retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

func (s *Session) finish(wm Watermark, err error) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Completed
	switch {
	case err == nil:
	case errors.Is(err, device.ErrCancelled) || errors.Is(err, context.Canceled):
		status = Cancelled
	default:
		status = Failed
	}
	s.result = Result{
		SessionID:  s.ID,
		Address:    s.Address,
		Capability: s.Capability,
		Status:     status,
		Pages:      s.pages,
		Records:    len(s.records),
		Retries:    s.retries,
		Watermark:  wm,
		Started:    s.Started,
		Finished:   time.Now(),
		Err:        err,
	}
	close(s.done)
	return s.result
}
