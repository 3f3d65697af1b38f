// Package socks5err defines the error-kind taxonomy of the connection
// driver, per the propagation policy of spec.md §7.
package socks5err

import "fmt"

// Kind classifies a connection-driver error so that the driver knows how to
// propagate it: with a SOCKS5 reply, with a bare close, or as a half-close.
type Kind int

const (
	// Protocol covers malformed frames or unsupported version/CMD values.
	Protocol Kind = iota
	// Auth covers bad credentials during RFC 1929 sub-negotiation.
	Auth
	// Resolve covers DNS resolution producing no usable address.
	Resolve
	// Connect covers a dial failure, mapped to a SOCKS5 reply code.
	Connect
	// IO covers a socket read/write failure.
	IO
	// Resource covers accept EMFILE/ENFILE or allocation failure.
	Resource
	// Internal covers invariant violations: a bug in this program.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Auth:
		return "auth"
	case Resolve:
		return "resolve"
	case Connect:
		return "connect"
	case IO:
		return "io"
	case Resource:
		return "resource"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and, when the failure occurs
// in a phase that replies with a SOCKS5 REP code (the CONNECT dial and
// REQUEST_READ parsing), the code the driver should send before tearing the
// connection down. NEGOTIATION_READ sends no reply at all and AUTH_READ
// replies with an RFC 1929 status byte instead of a REP code, so Reply is
// left zero for those; callers built via New instead of WithReply never
// read it.
type Error struct {
	Kind  Kind
	Reply byte
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error", e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithReply builds a Connect/Protocol Error carrying the SOCKS5 reply code
// that should be sent to the client before teardown.
func WithReply(kind Kind, reply byte, err error) *Error {
	return &Error{Kind: kind, Reply: reply, Err: err}
}
