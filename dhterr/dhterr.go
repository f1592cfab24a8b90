// Package dhterr defines the error taxonomy shared across the dht module.
package dhterr

import "fmt"

// Kind classifies an Error so callers can branch on errors.Is without
// parsing messages.
type Kind int

const (
	// PacketParse means a datagram failed to parse as a KRPC message.
	PacketParse Kind = iota
	// Conntrack means a response couldn't be matched to an outstanding
	// request, or looked spoofed.
	Conntrack
	// Timeout means an RPC exceeded its deadline.
	Timeout
	// Shutdown means the operation stopped because of cooperative teardown.
	Shutdown
	// General covers I/O failures and protocol invariant violations.
	General
)

func (k Kind) String() string {
	switch k {
	case PacketParse:
		return "packet_parse"
	case Conntrack:
		return "conntrack"
	case Timeout:
		return "timeout"
	case Shutdown:
		return "shutdown"
	case General:
		return "general"
	default:
		return "unknown"
	}
}

// Error is the error type returned across package boundaries in this
// module. It wraps an underlying cause and tags it with a Kind so callers
// can use errors.Is against the sentinel values below.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, dhterr.ErrTimeout) etc. work without requiring
// Cause to match, since the sentinels below only carry a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind wrapping cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Cause: err}
}

// Sentinels usable with errors.Is, e.g. errors.Is(err, dhterr.ErrTimeout).
var (
	ErrPacketParse = &Error{Kind: PacketParse}
	ErrConntrack   = &Error{Kind: Conntrack}
	ErrTimeout     = &Error{Kind: Timeout}
	ErrShutdown    = &Error{Kind: Shutdown}
	ErrGeneral     = &Error{Kind: General}
)
