package codec

import (
	"fmt"
	"time"

	"github.com/srg/bandsync/internal/device"
)

// BCDTimeSize is the encoded size of a band timestamp:
// year offset from 2000, month, day, hour, minute, second, one BCD byte each.
const BCDTimeSize = 6

// DecodeBCD reads one BCD byte as two decimal digits
func DecodeBCD(b byte) (int, error) {
	hi, lo := int(b>>4), int(b&0x0F)
	if hi > 9 || lo > 9 {
		return 0, protocolErrorf("invalid BCD byte 0x%02X", b)
	}
	return hi*10 + lo, nil
}

// EncodeBCD writes 0..99 as one BCD byte
func EncodeBCD(v int) byte {
	return byte((v/10)%10<<4 | v%10)
}

// DecodeBCDTime decodes six BCD bytes into a time in loc (UTC when loc is nil).
// All-zero bytes decode to the zero time.
func DecodeBCDTime(b []byte, loc *time.Location) (time.Time, error) {
	if len(b) < BCDTimeSize {
		return time.Time{}, protocolErrorf("BCD time needs %d bytes, got %d", BCDTimeSize, len(b))
	}
	if isZero(b[:BCDTimeSize]) {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	var f [BCDTimeSize]int
	for i := range f {
		v, err := DecodeBCD(b[i])
		if err != nil {
			return time.Time{}, err
		}
		f[i] = v
	}

	year, month, day, hour, minute, second := 2000+f[0], f[1], f[2], f[3], f[4], f[5]
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, protocolErrorf("BCD time out of range: %02d-%02d-%02d %02d:%02d:%02d",
			f[0], month, day, hour, minute, second)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	// time.Date normalizes Feb 30 into March; the band never sends such dates
	if t.Day() != day {
		return time.Time{}, protocolErrorf("BCD time has invalid day %d for month %d", day, month)
	}
	return t, nil
}

// EncodeBCDTime encodes t (in its own location) into six BCD bytes.
// The zero time encodes as six zero bytes. Callers check the year with ValidateBCDTime.
func EncodeBCDTime(t time.Time) [BCDTimeSize]byte {
	var out [BCDTimeSize]byte
	if t.IsZero() {
		return out
	}
	out[0] = EncodeBCD(t.Year() - 2000)
	out[1] = EncodeBCD(int(t.Month()))
	out[2] = EncodeBCD(t.Day())
	out[3] = EncodeBCD(t.Hour())
	out[4] = EncodeBCD(t.Minute())
	out[5] = EncodeBCD(t.Second())
	return out
}

// ValidateBCDTime reports whether t fits the band's two-digit year. The zero time
// is always valid.
func ValidateBCDTime(t time.Time) error {
	if t.IsZero() {
		return nil
	}
	if y := t.Year(); y < 2000 || y > 2099 {
		return &device.Error{Kind: device.KindConfiguration, Op: "encode", Msg: fmt.Sprintf("band clock covers 2000-2099, got %s", t.Format(time.RFC3339))}
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func protocolErrorf(format string, args ...interface{}) error {
	return &device.Error{Kind: device.KindProtocol, Op: "decode", Msg: fmt.Sprintf(format, args...)}
}
