package reliable

import (
	"encoding/binary"
	"errors"
	"math"
)

func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// MessageClass names the sub-type of a reliable message body.
type MessageClass byte

const (
	ClassSingleReliable MessageClass = iota + 1
	ClassSingleUnreliable
	ClassMultiPartMessage
	ClassMultipleReliableMessages
	ClassMultipleUnreliableMessages
	ClassMultipleMixedMessages
	ClassAck
	ClassPing
	ClassConnectionRequest
	ClassConnectionResponse
	ClassDisconnectRequest
)

// AlwaysUnreliable reports whether messages of class c are never assigned
// a reliable sequence id.
func (c MessageClass) AlwaysUnreliable() bool {
	switch c {
	case ClassSingleUnreliable, ClassMultipleUnreliableMessages, ClassAck, ClassPing:
		return true
	default:
		return false
	}
}

func (c MessageClass) isMultiMessage() bool {
	switch c {
	case ClassMultipleReliableMessages, ClassMultipleUnreliableMessages, ClassMultipleMixedMessages:
		return true
	default:
		return false
	}
}

// headerPrefix is the fixed 3-byte reliable-header tag, distinct from
// UnreliableTransport's own configurable framing prefix.
var headerPrefix = [3]byte{'R', 'E', 0x01}

// HeaderSize is the fixed size of the reliable header.
const HeaderSize = 10

// Header is the 10-byte reliable header carried by every datagram.
type Header struct {
	Class          MessageClass
	SeqMin         SequenceID
	SeqMax         SequenceID
	LastReceived   SequenceID
}

var (
	ErrHeaderTooShort = errors.New("reliable: buffer shorter than header")
	ErrBadHeaderTag   = errors.New("reliable: wrong reliable header prefix")
	ErrMalformedBody  = errors.New("reliable: malformed sub-message body")
	ErrUnknownClass   = errors.New("reliable: unknown message class byte")
)

// EncodeHeader appends the 10-byte header for h to dst and returns the
// result. All multi-byte fields are big-endian (an explicit convention;
// see the Open Question resolution in the design notes — the source was
// inconsistent about this).
func EncodeHeader(dst []byte, h Header) []byte {
	dst = append(dst, headerPrefix[:]...)
	dst = append(dst, byte(h.Class))
	var buf [6]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.SeqMin))
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.SeqMax))
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.LastReceived))
	return append(dst, buf[:]...)
}

// DecodeHeader parses the 10-byte header at the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}
	if buf[0] != headerPrefix[0] || buf[1] != headerPrefix[1] || buf[2] != headerPrefix[2] {
		return Header{}, ErrBadHeaderTag
	}
	return Header{
		Class:        MessageClass(buf[3]),
		SeqMin:       SequenceID(binary.BigEndian.Uint16(buf[4:6])),
		SeqMax:       SequenceID(binary.BigEndian.Uint16(buf[6:8])),
		LastReceived: SequenceID(binary.BigEndian.Uint16(buf[8:10])),
	}, nil
}

// SubMessage is one decoded entry from a multi-message body.
type SubMessage struct {
	Class   MessageClass
	Payload []byte
	// SeqID is the id assigned to this sub-message (Invalid for unreliable).
	SeqID SequenceID
}

// EncodeSubMessage appends a (class, length, payload) tuple to dst, the
// wire shape used inside a multi-message body.
func EncodeSubMessage(dst []byte, class MessageClass, payload []byte) []byte {
	dst = append(dst, byte(class))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, payload...)
}

// DecodeBody splits a packet body into its sub-messages according to h.
// For single-message classes the whole body is one sub-message carrying
// SeqMin as its id. For multi-message classes it walks (class, len,
// payload) tuples, assigning successive reliable ids starting at SeqMin
// to reliable sub-classes and Invalid to unreliable ones.
func DecodeBody(h Header, body []byte) ([]SubMessage, error) {
	if !h.Class.isMultiMessage() {
		return []SubMessage{{Class: h.Class, Payload: body, SeqID: h.SeqMin}}, nil
	}

	var msgs []SubMessage
	nextID := h.SeqMin
	for len(body) > 0 {
		if len(body) < 3 {
			return msgs, ErrMalformedBody
		}
		class := MessageClass(body[0])
		n := int(binary.BigEndian.Uint16(body[1:3]))
		if len(body) < 3+n {
			return msgs, ErrMalformedBody
		}
		payload := body[3 : 3+n]
		id := Invalid
		if !class.AlwaysUnreliable() && class != ClassAck {
			id = nextID
			nextID = nextID.Successor()
		}
		msgs = append(msgs, SubMessage{Class: class, Payload: payload, SeqID: id})
		body = body[3+n:]
	}
	return msgs, nil
}

// MultiPartChunkHeaderSize is the size of the (index, total) pair
// prefixing every chunk of a MultiPartMessage.
const MultiPartChunkHeaderSize = 2

// EncodeMultiPartChunk prepends the (index, total) header to a chunk.
func EncodeMultiPartChunk(dst []byte, index, total byte, chunk []byte) []byte {
	dst = append(dst, index, total)
	return append(dst, chunk...)
}

// DecodeMultiPartChunk splits a MultiPartMessage sub-message payload into
// its (index, total, data) parts.
func DecodeMultiPartChunk(payload []byte) (index, total byte, data []byte, err error) {
	if len(payload) < MultiPartChunkHeaderSize {
		return 0, 0, nil, ErrMalformedBody
	}
	return payload[0], payload[1], payload[2:], nil
}

// PingPayloadSize is the fixed size of a ping sub-message payload.
const PingPayloadSize = 17

// PingPayload is the decoded form of a Ping sub-message.
type PingPayload struct {
	SenderTimeMS     float64
	PingsSent        uint32
	PingsReceived    uint32
	IsReply          bool
}

// EncodePing renders p as a 17-byte payload.
func EncodePing(p PingPayload) []byte {
	buf := make([]byte, PingPayloadSize)
	binary.BigEndian.PutUint64(buf[0:8], float64bits(p.SenderTimeMS))
	binary.BigEndian.PutUint32(buf[8:12], p.PingsSent)
	binary.BigEndian.PutUint32(buf[12:16], p.PingsReceived)
	if p.IsReply {
		buf[16] = 1
	}
	return buf
}

// DecodePing parses the first 17 bytes of payload as a ping; trailing
// bytes are padding and ignored.
func DecodePing(payload []byte) (PingPayload, error) {
	if len(payload) < PingPayloadSize {
		return PingPayload{}, ErrMalformedBody
	}
	return PingPayload{
		SenderTimeMS:  float64frombits(binary.BigEndian.Uint64(payload[0:8])),
		PingsSent:     binary.BigEndian.Uint32(payload[8:12]),
		PingsReceived: binary.BigEndian.Uint32(payload[12:16]),
		IsReply:       payload[16] != 0,
	}, nil
}
