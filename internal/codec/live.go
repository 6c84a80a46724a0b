package codec

import (
	"encoding/binary"
	"time"
)

// LiveActivitySize is the size of a steps live notification
const LiveActivitySize = 9

// LiveActivity is one motion sample notified on the steps live characteristic
type LiveActivity struct {
	Cadence  float64       `json:"cadence"`   // steps per minute
	SpeedKmh float64       `json:"speed_kmh"` // transmitted as km/h x100
	Running  bool          `json:"running"`
	RawSteps uint16        `json:"raw_steps"` // device step count for the interval
	Interval time.Duration `json:"interval"`
}

// DecodeLiveActivity parses a steps live notification
func DecodeLiveActivity(b []byte) (LiveActivity, error) {
	if len(b) != LiveActivitySize {
		return LiveActivity{}, protocolErrorf("live activity sample is %d bytes, want %d", len(b), LiveActivitySize)
	}
	return LiveActivity{
		Cadence:  float64(binary.LittleEndian.Uint16(b[0:2])),
		SpeedKmh: float64(binary.LittleEndian.Uint16(b[2:4])) / 100,
		Running:  b[4]&0x01 != 0,
		RawSteps: binary.LittleEndian.Uint16(b[5:7]),
		Interval: time.Duration(binary.LittleEndian.Uint16(b[7:9])) * time.Second,
	}, nil
}

// EncodeLiveActivity is the inverse of DecodeLiveActivity
func EncodeLiveActivity(s LiveActivity) []byte {
	out := make([]byte, 0, LiveActivitySize)
	out = binary.LittleEndian.AppendUint16(out, uint16(s.Cadence))
	out = binary.LittleEndian.AppendUint16(out, uint16(s.SpeedKmh*100+0.5))
	var flags byte
	if s.Running {
		flags |= 0x01
	}
	out = append(out, flags)
	out = binary.LittleEndian.AppendUint16(out, s.RawSteps)
	out = binary.LittleEndian.AppendUint16(out, uint16(s.Interval/time.Second))
	return out
}

// DecodeHeartRateMeasurement parses the SIG heart rate measurement characteristic (0x2A37).
// Flags bit0 selects a u16 value instead of u8.
func DecodeHeartRateMeasurement(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, protocolErrorf("heart rate measurement too short: %d bytes", len(b))
	}
	if b[0]&0x01 == 0 {
		return uint16(b[1]), nil
	}
	if len(b) < 3 {
		return 0, protocolErrorf("heart rate measurement announces u16 value in %d bytes", len(b))
	}
	return binary.LittleEndian.Uint16(b[1:3]), nil
}

// DecodeBatteryLevel parses the SIG battery level characteristic (0x2A19)
func DecodeBatteryLevel(b []byte) (uint8, error) {
	if len(b) != 1 || b[0] > 100 {
		return 0, protocolErrorf("invalid battery level payload % X", b)
	}
	return b[0], nil
}
