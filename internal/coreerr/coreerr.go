// Package coreerr defines the error kinds surfaced across the coordination
// core (spec §7), so callers can distinguish them with errors.As instead of
// string matching on error messages — a generalization of the teacher's habit
// of returning distinguishable status codes at its gRPC boundary, adapted to
// a core that has no RPC boundary of its own.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds a caller of the core may need to react to.
type Kind int

const (
	// ProtocolViolation is a wrong-state operation, e.g. starting DKG before
	// the mesh is ready. The session is aborted.
	ProtocolViolation Kind = iota + 1
	// MalformedPackage is a hex/JSON parse failure, wrong index, or crypto
	// library rejection. The session is aborted.
	MalformedPackage
	// DuplicatePackage is an already-received package for (round, sender).
	// Callers should silently drop it; it is recovered locally.
	DuplicatePackage
	// TransportLost is a peer channel closed mid-session. The session is
	// aborted.
	TransportLost
	// IntegrityFailure is a keystore AEAD tag mismatch or a group-key
	// mismatch across peers. Fatal for that wallet.
	IntegrityFailure
	// IOError is a filesystem failure during keystore access. Writes are
	// atomic, so partial state is impossible.
	IOError
	// Timeout is a caller-supplied deadline exceeded during signing. The
	// session is aborted with nonces destroyed.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol_violation"
	case MalformedPackage:
		return "malformed_package"
	case DuplicatePackage:
		return "duplicate_package"
	case TransportLost:
		return "transport_lost"
	case IntegrityFailure:
		return "integrity_failure"
	case IOError:
		return "io_error"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with context and, optionally, the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
