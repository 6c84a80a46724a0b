package scan

import (
	"fmt"
	"time"

	"github.com/srg/bandsync/internal/device"
)

// StateKind enumerates scan controller states
type StateKind int

const (
	Idle StateKind = iota
	Scanning
	Completed
	Stopped
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Scanning:
		return "Scanning"
	case Completed:
		return "Completed"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name in JSON and CBOR output
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// State is the current scan state. Code is meaningful only when Kind is Failed.
type State struct {
	Kind    StateKind `json:"kind"`
	Code    ErrorCode `json:"code,omitempty"`
	Filters []string  `json:"filters,omitempty"`
	At      time.Time `json:"at"`
}

func (s State) String() string {
	if s.Kind == Failed {
		return fmt.Sprintf("Failed(%s)", s.Code)
	}
	return s.Kind.String()
}

// ErrorCode classifies scan failures for the published error stream
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeMissingPermission
	CodeRadioUnavailable
	CodeTransportFailure
)

func (c ErrorCode) String() string {
	switch c {
	case CodeMissingPermission:
		return "missing-permission"
	case CodeRadioUnavailable:
		return "radio-unavailable"
	case CodeTransportFailure:
		return "transport-failure"
	default:
		return "unknown"
	}
}

// MarshalText renders the code name in JSON and CBOR output
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Error is one occurrence on the scan error stream
type Error struct {
	Code ErrorCode `json:"code"`
	Err  error     `json:"-"`
	At   time.Time `json:"at"`
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "scan failed: " + e.Code.String()
	}
	return fmt.Sprintf("scan failed: %s: %v", e.Code, e.Err)
}

// Unwrap yields the underlying *device.Error
func (e *Error) Unwrap() error {
	return e.Err
}

// codeFor maps the engine error taxonomy onto scan error codes
func codeFor(err error) ErrorCode {
	switch device.KindOf(err) {
	case device.KindPermission:
		return CodeMissingPermission
	case device.KindTransportUnavailable:
		return CodeRadioUnavailable
	case device.KindTransportFailure:
		return CodeTransportFailure
	default:
		return CodeUnknown
	}
}
