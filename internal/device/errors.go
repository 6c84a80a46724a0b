package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the engine
type ErrorKind string

const (
	KindConfiguration         ErrorKind = "configuration"
	KindPermission            ErrorKind = "permission"
	KindTransportUnavailable  ErrorKind = "transport_unavailable"
	KindLinkLost              ErrorKind = "link_lost"
	KindOperationTimeout      ErrorKind = "operation_timeout"
	KindProtocol              ErrorKind = "protocol"
	KindAlreadyInProgress     ErrorKind = "already_in_progress"
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"
	KindCancelled             ErrorKind = "cancelled"
	KindNotConnected          ErrorKind = "not_connected"
	KindUnsupported           ErrorKind = "unsupported"
	KindTransportFailure      ErrorKind = "transport_failure"
)

// Error is the typed error returned across every public boundary of the engine.
type Error struct {
	Kind    ErrorKind
	Op      string // operation that failed, e.g. "connect", "sync"
	Address string // device address, if any
	Msg     string
	Err     error // underlying cause
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Address != "" {
		fmt.Fprintf(&b, " [%s]", e.Address)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrConfiguration         = &Error{Kind: KindConfiguration}
	ErrPermission            = &Error{Kind: KindPermission}
	ErrTransportUnavailable  = &Error{Kind: KindTransportUnavailable}
	ErrLinkLost              = &Error{Kind: KindLinkLost}
	ErrOperationTimeout      = &Error{Kind: KindOperationTimeout}
	ErrProtocol              = &Error{Kind: KindProtocol}
	ErrAlreadyInProgress     = &Error{Kind: KindAlreadyInProgress}
	ErrCapabilityUnavailable = &Error{Kind: KindCapabilityUnavailable}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrNotConnected          = &Error{Kind: KindNotConnected}
	ErrUnsupported           = &Error{Kind: KindUnsupported}
	ErrTransportFailure      = &Error{Kind: KindTransportFailure}
)

// Errorf builds a kinded error with a formatted message
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind, operation and address to an underlying cause.
// A cause that already carries a kind keeps it.
func Wrap(kind ErrorKind, op, address string, err error) error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		kind = derr.Kind
	}
	return &Error{Kind: kind, Op: op, Address: address, Err: err}
}

// KindOf reports the kind of err, or "" when err carries none
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}

// IsKind reports whether err is an Error with the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NotFoundError represents an error when a device or GATT resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic", "capability"
	IDs      []string // One or more identifiers (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0])
	}
	parentResource := "service"
	if e.Resource == "service" {
		parentResource = "device"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.IDs[len(e.IDs)-1], parentResource, e.IDs[0])
}
