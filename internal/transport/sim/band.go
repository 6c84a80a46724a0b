package sim

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
)

// Band is one simulated fitness band: its advertisement, GATT profile, stored history
// and the fault injections applied to its link.
type Band struct {
	mu sync.Mutex

	address    string
	name       string
	rssi       int
	advertised []string
	services   []device.ServiceInfo
	loc        *time.Location

	history  map[byte][]codec.Record
	pageSize int
	corrupt  map[byte]int
	chunk    int

	opDelay      time.Duration
	connectErr   error
	notifyErr    map[string]error
	dropOnEnable map[string]bool
	dropAfterOps int // 0 disables

	link            *link
	enabled         []string // characteristic UUIDs enabled, in call order, across links
	requests        []codec.PageRequest
	connects        int
	disconnectCalls int
}

// BandBuilder configures a Band fluently
type BandBuilder struct {
	band *Band
}

// NewBand starts a band builder for the given address
func NewBand(address string) *BandBuilder {
	return &BandBuilder{band: &Band{
		address:   address,
		name:      "Band " + address,
		rssi:      -60,
		loc:       time.UTC,
		history:   make(map[byte][]codec.Record),
		pageSize:  4,
		corrupt:   make(map[byte]int),
		notifyErr: make(map[string]error),

		dropOnEnable: make(map[string]bool),
	}}
}

func (b *BandBuilder) WithName(name string) *BandBuilder {
	b.band.name = name
	return b
}

func (b *BandBuilder) WithRSSI(rssi int) *BandBuilder {
	b.band.rssi = rssi
	return b
}

// WithCapabilities advertises the capability types and adds their services and characteristics
func (b *BandBuilder) WithCapabilities(ids ...device.CapabilityID) *BandBuilder {
	catalog := device.DefaultCatalog()
	for _, id := range ids {
		ct, ok := catalog.Get(id)
		if !ok {
			panic("sim: unknown capability " + string(id))
		}
		if len(ct.DetectionIDs) > 0 && !slices.Contains(b.band.advertised, ct.DetectionIDs[0]) {
			b.band.advertised = append(b.band.advertised, ct.DetectionIDs[0])
		}
		for _, ref := range ct.Notify {
			b.addChar(ref, device.CharacteristicInfo{UUID: ref.Characteristic, Notify: true, Read: true})
		}
		if h := ct.History; h != nil {
			b.addChar(h.Control, device.CharacteristicInfo{UUID: h.Control.Characteristic, Write: true})
			b.addChar(h.Data, device.CharacteristicInfo{UUID: h.Data.Characteristic, Read: true})
		}
	}
	return b
}

// WithService adds a bare characteristic, e.g. to expose a service without advertising it
func (b *BandBuilder) WithService(service string, chars ...device.CharacteristicInfo) *BandBuilder {
	for _, c := range chars {
		b.addChar(device.CharRef{Service: service, Characteristic: c.UUID}, c)
	}
	if len(chars) == 0 {
		b.addChar(device.CharRef{Service: service}, device.CharacteristicInfo{})
	}
	return b
}

// WithAdvertised overrides the advertised service ids
func (b *BandBuilder) WithAdvertised(ids ...string) *BandBuilder {
	b.band.advertised = slices.Clone(ids)
	return b
}

// WithHistory stores records for a capability code; they are served in time order
func (b *BandBuilder) WithHistory(code byte, records ...codec.Record) *BandBuilder {
	h := append(b.band.history[code], records...)
	sort.SliceStable(h, func(i, j int) bool { return h[i].Header().Time.Before(h[j].Header().Time) })
	b.band.history[code] = h
	return b
}

// WithPageSize sets records per page
func (b *BandBuilder) WithPageSize(n int) *BandBuilder {
	b.band.pageSize = n
	return b
}

// WithCorruptPages corrupts the trailer of the next n pages served for the code
func (b *BandBuilder) WithCorruptPages(code byte, n int) *BandBuilder {
	b.band.corrupt[code] = n
	return b
}

// WithReadChunk limits every data read to n bytes (0 returns whole frames)
func (b *BandBuilder) WithReadChunk(n int) *BandBuilder {
	b.band.chunk = n
	return b
}

// WithOpDelay delays every GATT operation
func (b *BandBuilder) WithOpDelay(d time.Duration) *BandBuilder {
	b.band.opDelay = d
	return b
}

// WithTimezone sets the location BCD timestamps are encoded in
func (b *BandBuilder) WithTimezone(loc *time.Location) *BandBuilder {
	b.band.loc = loc
	return b
}

// WithConnectError makes every connection attempt fail
func (b *BandBuilder) WithConnectError(err error) *BandBuilder {
	b.band.connectErr = err
	return b
}

// WithNotifyError makes enabling notifications on the characteristic fail
func (b *BandBuilder) WithNotifyError(char string, err error) *BandBuilder {
	b.band.notifyErr[char] = err
	return b
}

// WithDropOnEnable makes enabling notifications on the characteristic succeed and then
// lose the link before the call returns
func (b *BandBuilder) WithDropOnEnable(char string) *BandBuilder {
	b.band.dropOnEnable[char] = true
	return b
}

// Build returns the configured band
func (b *BandBuilder) Build() *Band {
	return b.band
}

func (b *BandBuilder) addChar(ref device.CharRef, info device.CharacteristicInfo) {
	for i := range b.band.services {
		s := &b.band.services[i]
		if s.UUID != ref.Service {
			continue
		}
		if info.UUID != "" && !slices.ContainsFunc(s.Characteristics, func(c device.CharacteristicInfo) bool {
			return c.UUID == info.UUID
		}) {
			s.Characteristics = append(s.Characteristics, info)
		}
		return
	}
	svc := device.ServiceInfo{UUID: ref.Service}
	if info.UUID != "" {
		svc.Characteristics = []device.CharacteristicInfo{info}
	}
	b.band.services = append(b.band.services, svc)
}

// Address returns the band address
func (b *Band) Address() string {
	return b.address
}

// Advertisement returns the advertisement the band currently broadcasts
func (b *Band) Advertisement() device.Advertisement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return device.Advertisement{
		Address:    b.address,
		Name:       b.name,
		RSSI:       b.rssi,
		ServiceIDs: slices.Clone(b.advertised),
		Timestamp:  time.Now(),
	}
}

// SetRSSI changes the advertised signal strength
func (b *Band) SetRSSI(rssi int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rssi = rssi
}

// AddHistory appends records for a capability code
func (b *Band) AddHistory(code byte, records ...codec.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.history[code], records...)
	sort.SliceStable(h, func(i, j int) bool { return h[i].Header().Time.Before(h[j].Header().Time) })
	b.history[code] = h
}

// CorruptNextPages corrupts the trailer of the next n pages served for the code
func (b *Band) CorruptNextPages(code byte, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrupt[code] = n
}

// SetOpDelay changes the per-operation delay
func (b *Band) SetOpDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opDelay = d
}

// DropLinkAfter drops the link when the nth next GATT operation starts
func (b *Band) DropLinkAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropAfterOps = n
}

// DropLink simulates unexpected link loss
func (b *Band) DropLink() {
	b.mu.Lock()
	l := b.link
	b.mu.Unlock()
	if l != nil {
		l.drop()
	}
}

// Notify delivers a notification on the characteristic if it is enabled on the live link
func (b *Band) Notify(char string, data []byte) bool {
	b.mu.Lock()
	l := b.link
	b.mu.Unlock()
	if l == nil {
		return false
	}
	return l.notify(char, data)
}

// Connected reports whether a link is live
func (b *Band) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link != nil
}

// EnabledNotifications returns every characteristic enabled so far, in order
func (b *Band) EnabledNotifications() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.enabled)
}

// PageRequests returns every decoded page request written so far
func (b *Band) PageRequests() []codec.PageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// Connects counts successful connections
func (b *Band) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// DisconnectCalls counts Disconnect calls on links of this band
func (b *Band) DisconnectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnectCalls
}

func (b *Band) hasChar(ref device.CharRef) bool {
	for _, s := range b.services {
		if s.UUID != ref.Service {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == ref.Characteristic {
				return true
			}
		}
	}
	return false
}

// pageLocked builds the next page after the request watermark.
// Records strictly newer than the newest entry are served; the block time is the newest record served.
func (b *Band) pageLocked(req codec.PageRequest) ([]byte, error) {
	var pending []codec.Record
	for _, r := range b.history[req.Code] {
		if req.NewestEntry.IsZero() || r.Header().Time.After(req.NewestEntry) {
			pending = append(pending, r)
		}
	}

	page := &codec.Page{Code: req.Code}
	n := min(b.pageSize, len(pending), codec.MaxPageRecords)
	if n <= 0 {
		page.EndOfData = true
		page.BlockTime = req.NewestBlock
	} else {
		page.Records = pending[:n]
		page.HasMoreData = len(pending) > n
		page.BlockTime = pending[n-1].Header().Time
	}
	for i, r := range page.Records {
		page.Records[i] = inLocation(r, b.loc)
	}
	page.BlockTime = page.BlockTime.In(b.loc)

	frame, err := codec.EncodePage(page)
	if err != nil {
		return nil, err
	}
	if b.corrupt[req.Code] > 0 {
		b.corrupt[req.Code]--
		frame[len(frame)-1] ^= 0x5A
	}
	return frame, nil
}

func inLocation(r codec.Record, loc *time.Location) codec.Record {
	switch v := r.(type) {
	case codec.StepRecord:
		v.Time = v.Time.In(loc)
		return v
	case codec.HeartRateRecord:
		v.Time = v.Time.In(loc)
		return v
	case codec.SleepRecord:
		v.Time = v.Time.In(loc)
		return v
	case codec.HRVRecord:
		v.Time = v.Time.In(loc)
		return v
	}
	return r
}
