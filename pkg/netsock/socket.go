// Package netsock is the lowest layer (L0) of the transport: a pluggable
// unreliable datagram socket abstraction with a real OS-backed
// implementation and an in-process fake used for deterministic tests.
package netsock

import (
	"errors"
	"fmt"

	"reliabletransport/pkg/netaddr"
)

// Family names the address family a socket is opened with.
type Family int

const (
	FamilyInet Family = iota
	FamilyInet6
)

// Type names the socket type. Only datagram sockets are supported.
type Type int

const (
	TypeDgram Type = iota
)

// ID identifies an open socket within a Socket implementation.
type ID int

// Errors are the limited error surface a raw datagram socket exposes: no
// ordering or delivery guarantees are implied by any of them.
var (
	ErrWouldBlock    = errors.New("netsock: would block")
	ErrNotConnected  = errors.New("netsock: not connected")
	ErrNotASocket    = errors.New("netsock: not a socket")
	ErrAddressInUse  = errors.New("netsock: address in use")
	ErrTooManyOpen   = errors.New("netsock: too many open sockets")
)

// OtherIOError wraps an error kind this package doesn't have a specific
// sentinel for. Callers use errors.As to recover the code.
type OtherIOError struct {
	Code int
	Err  error
}

func (e *OtherIOError) Error() string {
	return fmt.Sprintf("netsock: io error (code=%d): %v", e.Code, e.Err)
}

func (e *OtherIOError) Unwrap() error { return e.Err }

// Socket is the raw datagram transport every higher layer is built on.
// Implementations give no ordering or delivery guarantees.
type Socket interface {
	// Open allocates a new socket and returns its id.
	Open(family Family, typ Type, protocol int) (ID, error)
	// Bind assigns a local address to id. Port 0 means "any ephemeral port".
	Bind(id ID, local netaddr.Endpoint) error
	// GetOpt/SetOpt manipulate a generic option byte-bag; option semantics
	// are defined by the implementation (e.g. OS socket options).
	GetOpt(id ID, opt int) ([]byte, error)
	SetOpt(id ID, opt int, value []byte) error
	// Close releases id. Using id afterwards returns ErrNotASocket.
	Close(id ID) error
	// SendTo transmits data to dest, returning the number of bytes sent.
	SendTo(id ID, data []byte, dest netaddr.Endpoint) (int, error)
	// Recv reads one datagram into buf without blocking. It returns
	// ErrWouldBlock if nothing is currently available.
	Recv(id ID, buf []byte) (n int, source netaddr.Endpoint, truncated bool, err error)
	// LocalIP reports the best local address the embedder should advertise.
	LocalIP() netaddr.Endpoint
}
