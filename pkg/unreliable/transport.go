// Package unreliable implements UnreliableTransport (L2): it frames
// payloads with a small configurable prefix plus an optional CRC-CCITT
// checksum, enforces MTU, and recovers a socket that falls into
// NotConnected once.
package unreliable

import (
	"errors"
	"fmt"

	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netlog"
	"reliabletransport/pkg/netsock"
)

// DefaultMaxDatagramSize is both the default and hard ceiling for an
// outbound datagram.
const DefaultMaxDatagramSize = 1472

// Config configures framing for a Transport. Prefix must be 1..4 bytes.
type Config struct {
	Prefix          []byte
	IncludeCRC      bool
	MaxDatagramSize int
}

// DefaultFramingConfig mirrors the "ANK" engine-facing profile.
func DefaultFramingConfig() Config {
	return Config{
		Prefix:          []byte{'A', 'N', 'K', 0x02},
		IncludeCRC:      true,
		MaxDatagramSize: DefaultMaxDatagramSize,
	}
}

// FastFramingConfig mirrors the "COZ" robot-facing profile.
func FastFramingConfig() Config {
	return Config{
		Prefix:          []byte{'C', 'O', 'Z', 0x02},
		IncludeCRC:      true,
		MaxDatagramSize: DefaultMaxDatagramSize,
	}
}

func (c Config) headerSize() int {
	n := len(c.Prefix)
	if c.IncludeCRC {
		n += 2
	}
	return n
}

// MaxPayloadBytes is the largest payload this config can carry in one
// datagram once framing overhead is subtracted.
func (c Config) MaxPayloadBytes() int {
	return c.MaxDatagramSize - c.headerSize()
}

var (
	// ErrPrefixTooLong rejects a misconfigured Config at construction time.
	ErrPrefixTooLong = errors.New("unreliable: prefix must be 1..4 bytes")
	// ErrPayloadTooBig is returned by SendTo when the payload would not fit
	// in a single datagram under the configured framing.
	ErrPayloadTooBig = errors.New("unreliable: payload exceeds max_payload_bytes")
)

// DropReason names why an inbound datagram was discarded.
type DropReason int

const (
	DropWrongHeader DropReason = iota
	DropTooSmall
	DropBadCRC
	DropTooBig
)

func (r DropReason) String() string {
	switch r {
	case DropWrongHeader:
		return "WrongHeader"
	case DropTooSmall:
		return "TooSmall"
	case DropBadCRC:
		return "BadCRC"
	case DropTooBig:
		return "TooBig"
	default:
		return "Unknown"
	}
}

// Stats tallies per-reason drop counts alongside accepted counts.
type Stats struct {
	Accepted    uint64
	WrongHeader uint64
	TooSmall    uint64
	BadCRC      uint64
	TooBig      uint64
}

// ReceiveFunc is invoked once per validated inbound payload.
type ReceiveFunc func(payload []byte, source netaddr.Endpoint)

// Transport is UnreliableTransport: it owns one netsock.Socket id and
// applies prefix/CRC framing to everything sent and received through it.
type Transport struct {
	sock netsock.Socket
	log  netlog.Logger
	cfg  Config

	id     netsock.ID
	bound  netaddr.Endpoint
	open   bool
	client bool

	stats Stats

	scratch []byte
}

// New builds a Transport over sock using cfg. log may be netlog.Nop().
func New(sock netsock.Socket, log netlog.Logger, cfg Config) (*Transport, error) {
	if len(cfg.Prefix) < 1 || len(cfg.Prefix) > 4 {
		return nil, ErrPrefixTooLong
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > DefaultMaxDatagramSize {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	return &Transport{
		sock:    sock,
		log:     log,
		cfg:     cfg,
		scratch: make([]byte, DefaultMaxDatagramSize+64),
	}, nil
}

// MaxPayloadBytes is the configured framing's payload ceiling.
func (t *Transport) MaxPayloadBytes() int { return t.cfg.MaxPayloadBytes() }

// Stats returns a snapshot of accept/drop counters.
func (t *Transport) Stats() Stats { return t.stats }

// StartHost opens and binds to bind, acting as a listening endpoint.
func (t *Transport) StartHost(bind netaddr.Endpoint) error {
	id, err := t.sock.Open(familyFor(bind), netsock.TypeDgram, 0)
	if err != nil {
		return fmt.Errorf("unreliable: open: %w", err)
	}
	if err := t.sock.Bind(id, bind); err != nil {
		return fmt.Errorf("unreliable: bind: %w", err)
	}
	t.id = id
	t.bound = bind
	t.open = true
	t.client = false
	t.log.Info("unreliable transport listening on %s", bind)
	return nil
}

// StartClient opens with an ephemeral port and no fixed peer.
func (t *Transport) StartClient() error {
	id, err := t.sock.Open(netsock.FamilyInet, netsock.TypeDgram, 0)
	if err != nil {
		return fmt.Errorf("unreliable: open: %w", err)
	}
	if err := t.sock.Bind(id, netaddr.None); err != nil {
		return fmt.Errorf("unreliable: bind: %w", err)
	}
	t.id = id
	t.bound = netaddr.None
	t.open = true
	t.client = true
	t.log.Info("unreliable transport started as client")
	return nil
}

// Stop closes the underlying socket.
func (t *Transport) Stop() error {
	if !t.open {
		return nil
	}
	t.open = false
	return t.sock.Close(t.id)
}

// SendTo frames payload and sends it to dest. Returns ErrPayloadTooBig if
// payload exceeds MaxPayloadBytes().
func (t *Transport) SendTo(dest netaddr.Endpoint, payload []byte) error {
	if len(payload) > t.cfg.MaxPayloadBytes() {
		return ErrPayloadTooBig
	}
	buf := make([]byte, 0, t.cfg.headerSize()+len(payload))
	if t.cfg.IncludeCRC {
		sum := crcCCITT(payload)
		buf = append(buf, t.cfg.Prefix...)
		buf = append(buf, byte(sum>>8), byte(sum))
	} else {
		buf = append(buf, t.cfg.Prefix...)
	}
	buf = append(buf, payload...)

	_, err := t.sock.SendTo(t.id, buf, dest)
	if errors.Is(err, netsock.ErrNotConnected) {
		if reopenErr := t.reopen(); reopenErr != nil {
			return fmt.Errorf("unreliable: send after reopen: %w", reopenErr)
		}
		_, err = t.sock.SendTo(t.id, buf, dest)
	}
	return err
}

func (t *Transport) reopen() error {
	t.log.Warn("socket not connected, reopening on same local address")
	_ = t.sock.Close(t.id)
	if t.client {
		return t.StartClient()
	}
	return t.StartHost(t.bound)
}

// Update drains every datagram currently available on the socket,
// validates framing, and invokes recv for each payload that passes.
// It returns the number of payloads delivered.
func (t *Transport) Update(recv ReceiveFunc) int {
	delivered := 0
	for {
		n, src, truncated, err := t.sock.Recv(t.id, t.scratch)
		if err != nil {
			if errors.Is(err, netsock.ErrNotConnected) {
				if reopenErr := t.reopen(); reopenErr == nil {
					continue
				}
			}
			return delivered
		}
		if truncated {
			t.stats.TooBig++
			continue
		}
		if t.validateAndDeliver(t.scratch[:n], src, recv) {
			delivered++
		}
	}
}

func (t *Transport) validateAndDeliver(buf []byte, src netaddr.Endpoint, recv ReceiveFunc) bool {
	header := t.cfg.headerSize()
	if len(buf) < header {
		t.stats.TooSmall++
		return false
	}
	for i, b := range t.cfg.Prefix {
		if buf[i] != b {
			t.stats.WrongHeader++
			return false
		}
	}
	payload := buf[header:]
	if t.cfg.IncludeCRC {
		crcOff := len(t.cfg.Prefix)
		want := uint16(buf[crcOff])<<8 | uint16(buf[crcOff+1])
		got := crcCCITT(payload)
		if want != got {
			t.stats.BadCRC++
			return false
		}
	}
	t.stats.Accepted++
	recv(payload, src)
	return true
}

func familyFor(e netaddr.Endpoint) netsock.Family {
	if e.Kind() == netaddr.KindIPv6 {
		return netsock.FamilyInet6
	}
	return netsock.FamilyInet
}
