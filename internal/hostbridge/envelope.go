package hostbridge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/srg/bandsync/internal/codec"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/history"
	"github.com/srg/bandsync/internal/scan"
)

// EventType names the payload carried by an Envelope
type EventType string

const (
	EventHello        EventType = "hello"
	EventScanState    EventType = "scan_state"
	EventScanError    EventType = "scan_error"
	EventDevices      EventType = "devices"
	EventConnection   EventType = "connection"
	EventUnresponsive EventType = "unresponsive"
	EventSyncPage     EventType = "sync_page"
	EventSyncResult   EventType = "sync_result"
	EventSteps        EventType = "steps"
	EventError        EventType = "error"
)

// Envelope is one event pushed to a bridge client
type Envelope struct {
	Type    EventType `json:"type" cbor:"type"`
	Address string    `json:"address,omitempty" cbor:"address,omitempty"`
	At      time.Time `json:"at" cbor:"at"`
	Payload any       `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Encoding selects the websocket frame format
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding accepts "", "json" and "cbor"
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingCBOR:
		return EncodingCBOR, nil
	}
	return "", device.Errorf(device.KindConfiguration, "unsupported encoding %q", s)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
		TextMarshaler: cbor.TextMarshalerTextString,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// MarshalCBOR encodes v with the bridge's deterministic CBOR options
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Encode renders env as a websocket message of the given encoding
func Encode(env Envelope, enc Encoding) (int, []byte, error) {
	if enc == EncodingCBOR {
		data, err := encMode.Marshal(env)
		return websocket.BinaryMessage, data, err
	}
	data, err := json.Marshal(env)
	return websocket.TextMessage, data, err
}

// Decode parses a websocket message produced by Encode. Payloads decode into generic maps.
func Decode(messageType int, data []byte) (Envelope, error) {
	var env Envelope
	var err error
	if messageType == websocket.BinaryMessage {
		err = decMode.Unmarshal(data, &env)
	} else {
		err = json.Unmarshal(data, &env)
	}
	if err != nil {
		return Envelope{}, device.Wrap(device.KindProtocol, "decode envelope", "", err)
	}
	return env, nil
}

type helloView struct {
	ClientID string   `json:"client_id" cbor:"client_id"`
	Encoding Encoding `json:"encoding" cbor:"encoding"`
}

type scanErrorView struct {
	Code    scan.ErrorCode `json:"code" cbor:"code"`
	Message string         `json:"message" cbor:"message"`
}

func newScanErrorView(e *scan.Error) scanErrorView {
	return scanErrorView{Code: e.Code, Message: e.Error()}
}

type pageView struct {
	SessionID   string                    `json:"session_id" cbor:"session_id"`
	Capability  device.CapabilityID       `json:"capability" cbor:"capability"`
	Index       int                       `json:"index" cbor:"index"`
	BlockTime   time.Time                 `json:"block_time" cbor:"block_time"`
	EndOfData   bool                      `json:"end_of_data" cbor:"end_of_data"`
	HasMoreData bool                      `json:"has_more_data" cbor:"has_more_data"`
	Records     []codec.Record            `json:"records" cbor:"records"`
	Watermark   history.WatermarkSnapshot `json:"watermark" cbor:"watermark"`
}

func newPageView(p history.PageResult) pageView {
	v := pageView{
		SessionID:  p.SessionID,
		Capability: p.Capability,
		Index:      p.Index,
		Watermark:  p.Watermark.Snapshot(),
	}
	if p.Page != nil {
		v.BlockTime = p.Page.BlockTime
		v.EndOfData = p.Page.EndOfData
		v.HasMoreData = p.Page.HasMoreData
		v.Records = p.Page.Records
	}
	return v
}

type resultView struct {
	SessionID  string                    `json:"session_id" cbor:"session_id"`
	Capability device.CapabilityID       `json:"capability" cbor:"capability"`
	Status     history.Status            `json:"status" cbor:"status"`
	Pages      int                       `json:"pages" cbor:"pages"`
	Records    int                       `json:"records" cbor:"records"`
	Retries    int                       `json:"retries" cbor:"retries"`
	Watermark  history.WatermarkSnapshot `json:"watermark" cbor:"watermark"`
	Started    time.Time                 `json:"started" cbor:"started"`
	Finished   time.Time                 `json:"finished" cbor:"finished"`
	Error      string                    `json:"error,omitempty" cbor:"error,omitempty"`
}

func newResultView(r history.Result) resultView {
	v := resultView{
		SessionID:  r.SessionID,
		Capability: r.Capability,
		Status:     r.Status,
		Pages:      r.Pages,
		Records:    r.Records,
		Retries:    r.Retries,
		Watermark:  r.Watermark.Snapshot(),
		Started:    r.Started,
		Finished:   r.Finished,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}
