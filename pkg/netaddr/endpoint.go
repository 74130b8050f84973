// Package netaddr defines the address value type shared by every layer of
// the transport: a single Endpoint union that can name an IPv4 peer, an
// IPv6 peer, an in-process virtual id (used by FakeSocket-backed tests) or
// a BLE-style 64-bit id, mirroring the four address kinds the original
// basestation's TransportAddress supports.
package netaddr

import (
	"fmt"
	"net"
)

// Kind identifies which union member an Endpoint holds.
type Kind byte

const (
	KindNone Kind = iota
	KindIPv4
	KindIPv6
	KindVirtual
	KindBLE
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	case KindVirtual:
		return "virtual"
	case KindBLE:
		return "ble"
	default:
		return "none"
	}
}

// Endpoint is an opaque, hashable, comparable address value. The zero value
// is the "none" endpoint.
type Endpoint struct {
	kind Kind

	ip   [16]byte // IPv4 uses the first 4 bytes, IPv6 uses all 16
	port uint16

	id64 uint64 // virtual id (low 32 bits significant) or BLE id
}

// None is the distinguished "no endpoint" value.
var None = Endpoint{kind: KindNone}

// NewIPv4 builds an IPv4 endpoint from a 4-byte address and port.
func NewIPv4(ip [4]byte, port uint16) Endpoint {
	var e Endpoint
	e.kind = KindIPv4
	copy(e.ip[:4], ip[:])
	e.port = port
	return e
}

// NewIPv6 builds an IPv6 endpoint from a 16-byte address and port.
func NewIPv6(ip [16]byte, port uint16) Endpoint {
	return Endpoint{kind: KindIPv6, ip: ip, port: port}
}

// NewVirtual builds an in-process test endpoint identified by a 32-bit id.
func NewVirtual(id uint32) Endpoint {
	return Endpoint{kind: KindVirtual, id64: uint64(id)}
}

// NewBLE builds a BLE-style endpoint identified by a 64-bit id.
func NewBLE(id uint64) Endpoint {
	return Endpoint{kind: KindBLE, id64: id}
}

// FromUDPAddr converts a *net.UDPAddr into an Endpoint, picking the IPv4 or
// IPv6 variant depending on the address family.
func FromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return None
	}
	if v4 := addr.IP.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return NewIPv4(b, uint16(addr.Port))
	}
	v6 := addr.IP.To16()
	var b [16]byte
	copy(b[:], v6)
	return NewIPv6(b, uint16(addr.Port))
}

// Kind reports which union member e holds.
func (e Endpoint) Kind() Kind { return e.kind }

// IsNone reports whether e is the distinguished "no endpoint" value.
func (e Endpoint) IsNone() bool { return e.kind == KindNone }

// UDPAddr converts an IPv4/IPv6 endpoint back to a *net.UDPAddr. It panics
// if called on a Virtual/BLE/None endpoint — callers must check Kind first.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	switch e.kind {
	case KindIPv4:
		return &net.UDPAddr{IP: net.IPv4(e.ip[0], e.ip[1], e.ip[2], e.ip[3]), Port: int(e.port)}
	case KindIPv6:
		ip := make(net.IP, 16)
		copy(ip, e.ip[:])
		return &net.UDPAddr{IP: ip, Port: int(e.port)}
	default:
		panic(fmt.Sprintf("netaddr: UDPAddr() called on a %s endpoint", e.kind))
	}
}

// VirtualID returns the id of a Virtual endpoint (0 for any other kind).
func (e Endpoint) VirtualID() uint32 {
	if e.kind != KindVirtual {
		return 0
	}
	return uint32(e.id64)
}

// BLEID returns the id of a BLE endpoint (0 for any other kind).
func (e Endpoint) BLEID() uint64 {
	if e.kind != KindBLE {
		return 0
	}
	return e.id64
}

// Equal reports whether e and o name the same endpoint.
func (e Endpoint) Equal(o Endpoint) bool {
	return e == o
}

// Less gives Endpoint a total order so it can be used as a sorted map key
// or in deterministic test output; the ordering has no protocol meaning.
func (e Endpoint) Less(o Endpoint) bool {
	if e.kind != o.kind {
		return e.kind < o.kind
	}
	switch e.kind {
	case KindIPv4, KindIPv6:
		if e.ip != o.ip {
			return string(e.ip[:]) < string(o.ip[:])
		}
		return e.port < o.port
	default:
		return e.id64 < o.id64
	}
}

// String renders a canonical, human-readable form of e.
func (e Endpoint) String() string {
	switch e.kind {
	case KindIPv4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", e.ip[0], e.ip[1], e.ip[2], e.ip[3], e.port)
	case KindIPv6:
		ip := make(net.IP, 16)
		copy(ip, e.ip[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), e.port)
	case KindVirtual:
		return fmt.Sprintf("virtual:%d", e.VirtualID())
	case KindBLE:
		return fmt.Sprintf("ble:%016x", e.id64)
	default:
		return "none"
	}
}

// ConnectionID is the application-visible integer handle for a peer. It is
// 1:1 with an Endpoint for as long as the connection exists.
type ConnectionID int32

// Unspecified is the reserved ConnectionID value meaning "no connection".
const Unspecified ConnectionID = -1

func (c ConnectionID) String() string {
	if c == Unspecified {
		return "unspecified"
	}
	return fmt.Sprintf("#%d", int32(c))
}
