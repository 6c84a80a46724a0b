package device

import (
	"fmt"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CapabilityID identifies a logical band feature
type CapabilityID string

const (
	Steps     CapabilityID = "steps"
	HeartRate CapabilityID = "heart_rate"
	Sleep     CapabilityID = "sleep"
	HRV       CapabilityID = "hrv"
	Battery   CapabilityID = "battery"
)

// Band vendor UUIDs. Each capability owns service C7A1xx00 with characteristics
// xx01 (live notify), xx02 (history control, write) and xx03 (history data, read).
const (
	StepsService      = "C7A10100-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	StepsLiveChar     = "C7A10101-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	StepsControlChar  = "C7A10102-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	StepsDataChar     = "C7A10103-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRHistoryService  = "C7A10200-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRControlChar     = "C7A10202-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRDataChar        = "C7A10203-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	SleepService      = "C7A10300-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	SleepLiveChar     = "C7A10301-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	SleepControlChar  = "C7A10302-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	SleepDataChar     = "C7A10303-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRVService        = "C7A10400-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRVLiveChar       = "C7A10401-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRVControlChar    = "C7A10402-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HRVDataChar       = "C7A10403-5B2E-4F6A-9D3C-8E1F2A3B4C5D"
	HeartRateService  = "0000180D-0000-1000-8000-00805F9B34FB"
	HeartRateMeasChar = "00002A37-0000-1000-8000-00805F9B34FB"
	BatteryService    = "0000180F-0000-1000-8000-00805F9B34FB"
	BatteryLevelChar  = "00002A19-0000-1000-8000-00805F9B34FB"
)

// CharRef points at one characteristic inside a service
type CharRef struct {
	Service        string `json:"service" yaml:"service"`
	Characteristic string `json:"characteristic" yaml:"characteristic"`
}

func (r CharRef) String() string {
	return r.Service + "/" + r.Characteristic
}

// HistoryChannel is the control/data characteristic pair used for paginated history sync
type HistoryChannel struct {
	Code    byte    // capability id on the wire
	Control CharRef // page requests are written here
	Data    CharRef // page frames are read from here
}

// CapabilityType is an immutable catalog entry. Mutable subscription state lives
// per device in Device.Subscriptions, never here.
type CapabilityType struct {
	ID           CapabilityID
	DisplayName  string
	ScanningIDs  []string  // service UUIDs used as scan filters
	DetectionIDs []string  // any advertised match recognizes the type
	Notify       []CharRef // sub-capabilities enabled by the subscribe loop
	History      *HistoryChannel
}

func (t CapabilityType) clone() CapabilityType {
	t.ScanningIDs = slices.Clone(t.ScanningIDs)
	t.DetectionIDs = slices.Clone(t.DetectionIDs)
	t.Notify = slices.Clone(t.Notify)
	if t.History != nil {
		h := *t.History
		t.History = &h
	}
	return t
}

// Catalog is the ordered set of known capability types.
// Iteration order is insertion order, which also fixes the subscription order.
type Catalog struct {
	types *orderedmap.OrderedMap[CapabilityID, CapabilityType]
}

// NewCatalog builds a catalog from the given entries
func NewCatalog(types ...CapabilityType) *Catalog {
	c := &Catalog{types: orderedmap.New[CapabilityID, CapabilityType]()}
	for _, t := range types {
		c.types.Set(t.ID, t.clone())
	}
	return c
}

// DefaultCatalog returns the band's built-in capability types
func DefaultCatalog() *Catalog {
	return NewCatalog(
		CapabilityType{
			ID:           Steps,
			DisplayName:  "Steps",
			ScanningIDs:  []string{StepsService},
			DetectionIDs: []string{StepsService},
			Notify:       []CharRef{{StepsService, StepsLiveChar}},
			History: &HistoryChannel{
				Code:    0x01,
				Control: CharRef{StepsService, StepsControlChar},
				Data:    CharRef{StepsService, StepsDataChar},
			},
		},
		CapabilityType{
			ID:           HeartRate,
			DisplayName:  "Heart Rate",
			ScanningIDs:  []string{HeartRateService},
			DetectionIDs: []string{HeartRateService, HRHistoryService},
			Notify:       []CharRef{{HeartRateService, HeartRateMeasChar}},
			History: &HistoryChannel{
				Code:    0x02,
				Control: CharRef{HRHistoryService, HRControlChar},
				Data:    CharRef{HRHistoryService, HRDataChar},
			},
		},
		CapabilityType{
			ID:           Sleep,
			DisplayName:  "Sleep",
			ScanningIDs:  []string{SleepService},
			DetectionIDs: []string{SleepService},
			Notify:       []CharRef{{SleepService, SleepLiveChar}},
			History: &HistoryChannel{
				Code:    0x03,
				Control: CharRef{SleepService, SleepControlChar},
				Data:    CharRef{SleepService, SleepDataChar},
			},
		},
		CapabilityType{
			ID:           HRV,
			DisplayName:  "Heart Rate Variability",
			ScanningIDs:  []string{HRVService},
			DetectionIDs: []string{HRVService},
			Notify:       []CharRef{{HRVService, HRVLiveChar}},
			History: &HistoryChannel{
				Code:    0x04,
				Control: CharRef{HRVService, HRVControlChar},
				Data:    CharRef{HRVService, HRVDataChar},
			},
		},
		CapabilityType{
			ID:           Battery,
			DisplayName:  "Battery",
			DetectionIDs: []string{BatteryService},
			Notify:       []CharRef{{BatteryService, BatteryLevelChar}},
		},
	)
}

// Get returns a copy of the catalog entry
func (c *Catalog) Get(id CapabilityID) (CapabilityType, bool) {
	t, ok := c.types.Get(id)
	if !ok {
		return CapabilityType{}, false
	}
	return t.clone(), true
}

// IDs returns every capability id in catalog order
func (c *Catalog) IDs() []CapabilityID {
	ids := make([]CapabilityID, 0, c.types.Len())
	for pair := c.types.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// ByCode finds the capability whose history channel uses the wire code
func (c *Catalog) ByCode(code byte) (CapabilityType, bool) {
	for pair := c.types.Oldest(); pair != nil; pair = pair.Next() {
		if h := pair.Value.History; h != nil && h.Code == code {
			return pair.Value.clone(), true
		}
	}
	return CapabilityType{}, false
}

// Detect returns the capability types recognized from advertised service ids,
// restricted to allowed when allowed is non-empty. Result is in catalog order.
func (c *Catalog) Detect(serviceIDs []string, allowed []CapabilityID) []CapabilityID {
	var out []CapabilityID
	for pair := c.types.Oldest(); pair != nil; pair = pair.Next() {
		if len(allowed) > 0 && !slices.Contains(allowed, pair.Key) {
			continue
		}
		for _, id := range pair.Value.DetectionIDs {
			if slices.Contains(serviceIDs, id) {
				out = append(out, pair.Key)
				break
			}
		}
	}
	return out
}

// ScanFilters returns the union of scanning identifiers of the given types, deduplicated
// and in catalog order. Unknown ids are ignored.
func (c *Catalog) ScanFilters(types []CapabilityID) []string {
	var out []string
	for pair := c.types.Oldest(); pair != nil; pair = pair.Next() {
		if !slices.Contains(types, pair.Key) {
			continue
		}
		for _, id := range pair.Value.ScanningIDs {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// DetectionIDs returns every detection identifier in the catalog, deduplicated
func (c *Catalog) DetectionIDs() []string {
	var out []string
	for pair := c.types.Oldest(); pair != nil; pair = pair.Next() {
		for _, id := range pair.Value.DetectionIDs {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// ParseCapabilities resolves capability names (case-insensitive, '-' and '_' interchangeable)
// against the catalog.
func (c *Catalog) ParseCapabilities(names ...string) ([]CapabilityID, error) {
	out := make([]CapabilityID, 0, len(names))
	for _, n := range names {
		id := CapabilityID(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(n)), "-", "_"))
		if _, ok := c.types.Get(id); !ok {
			return nil, &Error{
				Kind: KindConfiguration,
				Msg:  fmt.Sprintf("unknown capability %q", n),
				Err:  &NotFoundError{Resource: "capability", IDs: []string{n}},
			}
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}
