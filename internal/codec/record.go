package codec

import (
	"encoding/binary"
	"math"
	"time"
)

// Wire capability codes shared by page and request frames
const (
	CodeSteps     byte = 0x01
	CodeHeartRate byte = 0x02
	CodeSleep     byte = 0x03
	CodeHRV       byte = 0x04
)

// Every record starts with a little-endian sequence number and a BCD timestamp
const recordHeaderSize = 2 + BCDTimeSize

var recordSizes = map[byte]int{
	CodeSteps:     recordHeaderSize + 6,
	CodeHeartRate: recordHeaderSize + 2,
	CodeSleep:     recordHeaderSize + 3,
	CodeHRV:       recordHeaderSize + 5,
}

// RecordSize returns the fixed record width for a capability code
func RecordSize(code byte) (int, bool) {
	n, ok := recordSizes[code]
	return n, ok
}

// RecordHeader carries the fields common to every record variant
type RecordHeader struct {
	Seq         uint16    `json:"seq"`
	Time        time.Time `json:"time"`
	TimestampMs int64     `json:"timestamp_ms"`
	Offset      int       `json:"offset"` // byte offset within the source page
}

// Header returns the common fields
func (h RecordHeader) Header() RecordHeader { return h }

// Record is one decoded history entry
type Record interface {
	Header() RecordHeader
}

type StepRecord struct {
	RecordHeader
	Steps     uint16 `json:"steps"`
	DistanceM uint16 `json:"distance_m"`
	Kcal      uint16 `json:"kcal"`
}

type HeartRateRecord struct {
	RecordHeader
	BPM        uint8 `json:"bpm"`
	Confidence uint8 `json:"confidence"`
}

// SleepStage is the band's sleep classification
type SleepStage uint8

const (
	SleepAwake SleepStage = iota
	SleepLight
	SleepDeep
	SleepREM
)

func (s SleepStage) String() string {
	switch s {
	case SleepAwake:
		return "awake"
	case SleepLight:
		return "light"
	case SleepDeep:
		return "deep"
	case SleepREM:
		return "rem"
	default:
		return "unknown"
	}
}

type SleepRecord struct {
	RecordHeader
	Stage   SleepStage `json:"stage"`
	Minutes uint16     `json:"minutes"`
}

// HRVRecord values are transmitted in tenths of a millisecond
type HRVRecord struct {
	RecordHeader
	RMSSDMs float64 `json:"rmssd_ms"`
	SDNNMs  float64 `json:"sdnn_ms"`
	Stress  uint8   `json:"stress"`
}

func decodeRecord(code byte, b []byte, offset int, loc *time.Location) (Record, error) {
	t, err := DecodeBCDTime(b[2:recordHeaderSize], loc)
	if err != nil {
		return nil, err
	}
	h := RecordHeader{
		Seq:    binary.LittleEndian.Uint16(b[0:2]),
		Time:   t,
		Offset: offset,
	}
	if !t.IsZero() {
		h.TimestampMs = t.UnixMilli()
	}
	p := b[recordHeaderSize:]

	switch code {
	case CodeSteps:
		return StepRecord{
			RecordHeader: h,
			Steps:        binary.LittleEndian.Uint16(p[0:2]),
			DistanceM:    binary.LittleEndian.Uint16(p[2:4]),
			Kcal:         binary.LittleEndian.Uint16(p[4:6]),
		}, nil
	case CodeHeartRate:
		if p[0] == 0 || p[1] > 100 {
			return nil, protocolErrorf("heart rate record %d malformed: bpm=%d confidence=%d", h.Seq, p[0], p[1])
		}
		return HeartRateRecord{RecordHeader: h, BPM: p[0], Confidence: p[1]}, nil
	case CodeSleep:
		if SleepStage(p[0]) > SleepREM {
			return nil, protocolErrorf("sleep record %d has unknown stage %d", h.Seq, p[0])
		}
		return SleepRecord{
			RecordHeader: h,
			Stage:        SleepStage(p[0]),
			Minutes:      binary.LittleEndian.Uint16(p[1:3]),
		}, nil
	case CodeHRV:
		return HRVRecord{
			RecordHeader: h,
			RMSSDMs:      float64(binary.LittleEndian.Uint16(p[0:2])) / 10,
			SDNNMs:       float64(binary.LittleEndian.Uint16(p[2:4])) / 10,
			Stress:       p[4],
		}, nil
	}
	return nil, protocolErrorf("unknown capability code 0x%02X", code)
}

func appendRecord(dst []byte, r Record) []byte {
	h := r.Header()
	dst = binary.LittleEndian.AppendUint16(dst, h.Seq)
	ts := EncodeBCDTime(h.Time)
	dst = append(dst, ts[:]...)

	switch v := r.(type) {
	case StepRecord:
		dst = binary.LittleEndian.AppendUint16(dst, v.Steps)
		dst = binary.LittleEndian.AppendUint16(dst, v.DistanceM)
		dst = binary.LittleEndian.AppendUint16(dst, v.Kcal)
	case HeartRateRecord:
		dst = append(dst, v.BPM, v.Confidence)
	case SleepRecord:
		dst = append(dst, byte(v.Stage))
		dst = binary.LittleEndian.AppendUint16(dst, v.Minutes)
	case HRVRecord:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(math.Round(v.RMSSDMs*10)))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(math.Round(v.SDNNMs*10)))
		dst = append(dst, v.Stress)
	}
	return dst
}

func recordCode(r Record) byte {
	switch r.(type) {
	case StepRecord:
		return CodeSteps
	case HeartRateRecord:
		return CodeHeartRate
	case SleepRecord:
		return CodeSleep
	case HRVRecord:
		return CodeHRV
	}
	return 0
}
