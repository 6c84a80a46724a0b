// Package history syncs paginated historical records from a band with watermark-based
// incremental resume.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/internal/opqueue"
	"github.com/srg/bandsync/pkg/config"
)

// Options bounds a sync session
type Options struct {
	PageRetries     int `default:"3"`    // retries of one page after a protocol error or timeout
	MaxPages        int `default:"1024"` // pages per session before it is failed
	FrameBufferSize int `default:"4096"`
	Location        *time.Location // timezone of the band's BCD timestamps, UTC when nil
}

// PageResult is one accepted page together with the watermark after folding it in
type PageResult struct {
	SessionID  string
	Address    string
	Capability device.CapabilityID
	Index      int
	Page       *codec.Page
	Watermark  Watermark
	At         time.Time
}

type sessionKey struct {
	address    string
	capability device.CapabilityID
}

// Engine runs sync sessions. At most one session per device and capability runs at a time;
// sessions of different capabilities interleave on the device's operation queue.
type Engine struct {
	queue   *opqueue.Queue
	catalog *device.Catalog
	opts    Options
	logger  *logrus.Logger
	group   *groutine.Group

	mu     sync.Mutex
	active map[sessionKey]*Session

	pages   *broadcast.Stream[PageResult]
	results *broadcast.Stream[Result]
}

// NewEngine creates a sync engine. opts may be nil.
func NewEngine(queue *opqueue.Queue, catalog *device.Catalog, opts *Options, logger *logrus.Logger) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	defaults.SetDefaults(&o)
	if o.Location == nil {
		o.Location = time.UTC
	}
	if catalog == nil {
		catalog = device.DefaultCatalog()
	}
	logger = config.OrNop(logger)
	return &Engine{
		queue:   queue,
		catalog: catalog,
		opts:    o,
		logger:  logger,
		group:   groutine.NewGroup(context.Background(), logger),
		active:  make(map[sessionKey]*Session),
		pages:   broadcast.New[PageResult](broadcast.NoReplay, broadcast.DefaultCapacity),
		results: broadcast.New[Result](broadcast.ReplayLatest, broadcast.DefaultCapacity),
	}
}

// Sync starts a session for the capability resuming from the given watermark.
// Configuration, connection and exclusivity errors are returned synchronously;
// everything else is reported by the session result.
func (e *Engine) Sync(ctx context.Context, address string, id device.CapabilityID, from Watermark) (*Session, error) {
	ct, ok := e.catalog.Get(id)
	if !ok {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "sync", Address: address, Err: &device.NotFoundError{Resource: "capability", IDs: []string{string(id)}}}
	}
	if ct.History == nil {
		return nil, &device.Error{Kind: device.KindUnsupported, Op: "sync", Address: address, Msg: fmt.Sprintf("%s has no history channel", id)}
	}
	for _, t := range []time.Time{from.NewestBlockTime(), from.NewestEntryTime()} {
		if err := codec.ValidateBCDTime(t); err != nil {
			return nil, &device.Error{Kind: device.KindConfiguration, Op: "sync", Address: address, Msg: "watermark outside the band clock range", Err: err}
		}
	}
	if !e.queue.IsOpen(address) {
		return nil, &device.Error{Kind: device.KindNotConnected, Op: "sync", Address: address}
	}

	key := sessionKey{address: address, capability: id}
	e.mu.Lock()
	if _, busy := e.active[key]; busy {
		e.mu.Unlock()
		return nil, &device.Error{Kind: device.KindAlreadyInProgress, Op: "sync", Address: address, Msg: fmt.Sprintf("%s sync already running", id)}
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         uuid.NewString(),
		Address:    address,
		Capability: id,
		Started:    time.Now(),
		from:       from,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	e.active[key] = s
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"session":    s.ID,
		"address":    address,
		"capability": id,
		"from_block": from.NewestBlockTime(),
		"from_entry": from.NewestEntryTime(),
	}).Info("Sync session started")

	e.group.Go("sync-"+address+"-"+string(id), func(groupCtx context.Context) {
		stop := context.AfterFunc(groupCtx, cancel)
		defer stop()
		defer cancel()

		wm, err := e.run(sessionCtx, s, *ct.History)

		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()

		res := s.finish(wm, err)
		e.logResult(res)
		e.results.Publish(res)
	})
	return s, nil
}

// SyncAll runs one session per capability concurrently and waits for all of them.
// A failure stays scoped to its capability.
func (e *Engine) SyncAll(ctx context.Context, address string, ids []device.CapabilityID, from map[device.CapabilityID]Watermark) (map[device.CapabilityID]Result, error) {
	sessions := make(map[device.CapabilityID]*Session, len(ids))
	results := make(map[device.CapabilityID]Result, len(ids))
	var errs []error
	for _, id := range ids {
		s, err := e.Sync(ctx, address, id, from[id])
		if err != nil {
			results[id] = Result{Address: address, Capability: id, Status: Failed, Watermark: from[id], Err: err}
			errs = append(errs, err)
			continue
		}
		sessions[id] = s
	}
	for id, s := range sessions {
		res, _ := s.Wait(ctx)
		results[id] = res
	}
	if len(sessions) == 0 && len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

// run pages through the history until the band reports the last page. Only pages that
// decoded cleanly are folded into the watermark; on failure the watermark of the last
// accepted page is returned.
func (e *Engine) run(ctx context.Context, s *Session, ch device.HistoryChannel) (Watermark, error) {
	wm := s.from
	asm := codec.NewFrameAssembler(e.opts.FrameBufferSize)
	var prev *codec.PageRequest

	for index := 0; ; index++ {
		if index >= e.opts.MaxPages {
			return wm, &device.Error{Kind: device.KindProtocol, Op: "sync", Address: s.Address, Msg: fmt.Sprintf("band served more than %d pages", e.opts.MaxPages)}
		}

		req := codec.PageRequest{Code: ch.Code, NewestBlock: wm.NewestBlockTime(), NewestEntry: wm.NewestEntryTime()}
		if prev != nil && prev.NewestBlock.Equal(req.NewestBlock) && prev.NewestEntry.Equal(req.NewestEntry) {
			return wm, &device.Error{Kind: device.KindProtocol, Op: "sync", Address: s.Address, Msg: "pagination did not advance"}
		}
		prev = &req

		page, err := e.fetchWithRetry(ctx, s, ch, req, asm)
		if err != nil {
			return wm, err
		}

		if !page.BlockTime.IsZero() {
			wm = wm.WithCurrentBlock(page.BlockTime)
		}
		if newest, ok := newestRecord(page.Records); ok {
			wm = wm.WithCurrentEntry(newest)
		}
		s.accept(page)

		e.pages.Publish(PageResult{
			SessionID:  s.ID,
			Address:    s.Address,
			Capability: s.Capability,
			Index:      index,
			Page:       page,
			Watermark:  wm,
			At:         time.Now(),
		})
		e.logger.WithFields(logrus.Fields{
			"session":     s.ID,
			"page":        index,
			"records":     len(page.Records),
			"end_of_data": page.EndOfData,
			"more":        page.HasMoreData,
			"block":       page.BlockTime,
		}).Debug("Page accepted")

		if page.Last() {
			return wm, nil
		}
	}
}

func (e *Engine) fetchWithRetry(ctx context.Context, s *Session, ch device.HistoryChannel, req codec.PageRequest, asm *codec.FrameAssembler) (*codec.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.PageRetries; attempt++ {
		page, err := e.fetch(ctx, s.Address, ch, req, asm)
		if err == nil {
			return page, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == e.opts.PageRetries {
			break
		}
		s.retried()
		e.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"attempt": attempt + 1,
			"error":   err,
		}).Warn("Page rejected, retrying")
	}
	return nil, lastErr
}

// fetch writes the page request and reads the response frame in chunks
func (e *Engine) fetch(ctx context.Context, address string, ch device.HistoryChannel, req codec.PageRequest, asm *codec.FrameAssembler) (*codec.Page, error) {
	asm.Reset()
	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if _, err := e.queue.Do(ctx, address, opqueue.Operation{
		Kind:    opqueue.Write,
		Char:    ch.Control,
		Payload: payload,
	}); err != nil {
		return nil, err
	}

	for {
		res, err := e.queue.Do(ctx, address, opqueue.Operation{Kind: opqueue.Read, Char: ch.Data})
		if err != nil {
			return nil, err
		}
		if len(res.Data) == 0 {
			return nil, &device.Error{Kind: device.KindProtocol, Op: "sync", Address: address, Msg: fmt.Sprintf("frame truncated after %d bytes", asm.Pending())}
		}
		frame, err := asm.Push(res.Data)
		if err != nil {
			return nil, device.Wrap(device.KindProtocol, "sync", address, err)
		}
		if frame == nil {
			continue
		}

		page, err := codec.DecodePage(frame, e.opts.Location)
		if err != nil {
			return nil, device.Wrap(device.KindProtocol, "sync", address, err)
		}
		if page.Code != ch.Code {
			return nil, &device.Error{Kind: device.KindProtocol, Op: "sync", Address: address, Msg: fmt.Sprintf("page for capability %d, expected %d", page.Code, ch.Code)}
		}
		return page, nil
	}
}

func retryable(err error) bool {
	return errors.Is(err, device.ErrProtocol) || errors.Is(err, device.ErrOperationTimeout)
}

func newestRecord(records []codec.Record) (time.Time, bool) {
	var newest time.Time
	for _, r := range records {
		if t := r.Header().Time; t.After(newest) {
			newest = t
		}
	}
	return newest, len(records) > 0
}

func (e *Engine) logResult(res Result) {
	fields := logrus.Fields{
		"session":    res.SessionID,
		"address":    res.Address,
		"capability": res.Capability,
		"status":     res.Status.String(),
		"pages":      res.Pages,
		"records":    res.Records,
		"retries":    res.Retries,
		"duration":   res.Finished.Sub(res.Started),
	}
	switch res.Status {
	case Completed:
		e.logger.WithFields(fields).Info("Sync session completed")
	case Cancelled:
		e.logger.WithFields(fields).Warn("Sync session cancelled")
	default:
		e.logger.WithFields(fields).WithField("error", res.Err).Error("Sync session failed")
	}
}

// Running reports whether a session is active for the device and capability
func (e *Engine) Running(address string, id device.CapabilityID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionKey{address: address, capability: id}]
	return ok
}

// SubscribePages streams accepted pages of every session
func (e *Engine) SubscribePages() *broadcast.Subscription[PageResult] {
	return e.pages.Subscribe()
}

// SubscribeResults streams session results; late subscribers see the latest one
func (e *Engine) SubscribeResults() *broadcast.Subscription[Result] {
	return e.results.Subscribe()
}

// Close cancels running sessions and waits for them to finish
func (e *Engine) Close() {
	e.group.Stop()
	e.pages.Close()
	e.results.Close()
}
