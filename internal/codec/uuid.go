package codec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/srg/bandsync/internal/device"
)

const (
	sigBasePrefix = "0000"
	sigBaseSuffix = "-0000-1000-8000-00805F9B34FB"
)

var (
	shortUUIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	fullUUIDPattern  = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)
	undashedPattern  = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)
)

// CanonicalUUID converts a 4-hex short UUID or a 36-character dashed UUID into the
// canonical uppercase 128-bit form. Any other input is a configuration error.
//
//	CanonicalUUID("180d") == "0000180D-0000-1000-8000-00805F9B34FB"
func CanonicalUUID(s string) (string, error) {
	switch len(s) {
	case 4:
		if shortUUIDPattern.MatchString(s) {
			return sigBasePrefix + strings.ToUpper(s) + sigBaseSuffix, nil
		}
	case 36:
		if fullUUIDPattern.MatchString(s) {
			if _, err := uuid.Parse(s); err != nil {
				return "", invalidUUID(s, err)
			}
			return strings.ToUpper(s), nil
		}
	}
	return "", invalidUUID(s, nil)
}

// CanonicalUUIDs canonicalizes every input, failing on the first invalid one
func CanonicalUUIDs(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		c, err := CanonicalUUID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// NormalizeUUID is the lenient form used by transport adapters: it additionally accepts
// a 0x prefix, 32-hex undashed UUIDs and surrounding whitespace. Returns "" when invalid.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if undashedPattern.MatchString(s) {
		s = s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
	}
	c, err := CanonicalUUID(s)
	if err != nil {
		return ""
	}
	return c
}

// ShortUUID returns the 4-hex form of a SIG-base UUID and the input unchanged otherwise
func ShortUUID(s string) string {
	c := NormalizeUUID(s)
	if c == "" {
		return s
	}
	if strings.HasPrefix(c, sigBasePrefix) && strings.HasSuffix(c, sigBaseSuffix) {
		return c[4:8]
	}
	return c
}

func invalidUUID(s string, cause error) error {
	return &device.Error{
		Kind: device.KindConfiguration,
		Op:   "uuid",
		Msg:  fmt.Sprintf("invalid UUID format %q", s),
		Err:  cause,
	}
}
