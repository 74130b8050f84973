package reliable

import (
	"time"

	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netclock"
	"reliabletransport/pkg/netlog"
)

// State is one of the four per-connection states.
type State int

const (
	StateDisconnected State = iota
	StateWaitingForConnectionResponse
	StateMustSendConnectionResponse
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateWaitingForConnectionResponse:
		return "WaitingForConnectionResponse"
	case StateMustSendConnectionResponse:
		return "MustSendConnectionResponse"
	case StateConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// EventTag names the kind of application-visible event a Connection
// produced while processing an incoming packet.
type EventTag int

const (
	EventNone EventTag = iota
	EventNormalMessage
	EventConnectRequest
	EventConnected
	EventDisconnected
)

// Event is one application-visible outcome of processing a packet.
type Event struct {
	Tag     EventTag
	Payload []byte
}

// PendingMessage is an outgoing message not yet removed from the pending
// list: for unreliable classes, removed right after first send; for
// reliable classes, removed once acknowledged.
type PendingMessage struct {
	Payload []byte
	Class   MessageClass
	SeqID   SequenceID
	Flush   bool

	QueuedAt     time.Time
	InternalAt   time.Time
	FirstSent    time.Time
	LastSent     time.Time
}

func (m *PendingMessage) everSent() bool { return !m.LastSent.IsZero() }

type pendingMultiPart struct {
	data        []byte
	totalParts  byte
	nextPart    byte
}

func (p *pendingMultiPart) reset() { *p = pendingMultiPart{} }

// Connection is ReliableConnection (L3): per-peer sequencing, pending
// queue, reassembly, ping/ack statistics and the connection state
// machine. It never calls back into its owning Transport; the
// Transport's scheduler tick drives it by calling Update/HandlePacket
// and taking whatever datagrams SendOptimalUnAckedPackets hands back.
type Connection struct {
	Peer netaddr.Endpoint

	cfg   *Config
	clock netclock.Clock
	log   netlog.Logger

	state State

	nextOutSeq SequenceID
	pending    []*PendingMessage

	// peerAcked is the sender-side watermark: the last contiguous id the
	// peer has told us (via its own header's LastReceived) it has received
	// of our outgoing reliable messages. UpdateLastAcked advances it and
	// uses it as the baseline for pruning pending.
	peerAcked SequenceID

	// lastInAcked is the receiver-side watermark: the last contiguous
	// reliable id we have received from the peer. It is advertised as
	// LastReceived in every header we send; only the incoming-delivery
	// path in HandlePacket advances it.
	lastInAcked SequenceID

	nextInSeq  SequenceID
	reassembly pendingMultiPart

	lastSent      time.Time
	lastRecvAny   time.Time
	lastPingSent  time.Time
	pingsSent     uint32
	pingsReceived uint32

	ackRTT    *RecentStatsAccumulator
	pingRTT   *RecentStatsAccumulator
	queuedMS  *RecentStatsAccumulator

	outOfOrderCount uint64
}

// NewConnection builds a fresh Connection for peer in the Disconnected
// state.
func NewConnection(peer netaddr.Endpoint, cfg *Config, clock netclock.Clock, log netlog.Logger) *Connection {
	return &Connection{
		Peer:        peer,
		cfg:         cfg,
		clock:       clock,
		log:         log,
		state:       StateDisconnected,
		nextOutSeq:  1,
		peerAcked:   0,
		lastInAcked: 0,
		nextInSeq:   1,
		ackRTT:      NewRecentStatsAccumulator(cfg.MaxAckRoundTripsToTrack),
		pingRTT:     NewRecentStatsAccumulator(cfg.MaxPingRoundTripsToTrack),
		queuedMS:    NewRecentStatsAccumulator(cfg.MaxAckRoundTripsToTrack),
	}
}

func (c *Connection) State() State { return c.state }

// OutOfOrderCount reports how many incoming reliable ids were seen
// outside the expected range.
func (c *Connection) OutOfOrderCount() uint64 { return c.outOfOrderCount }

// IsTimedOut reports whether this connection's silence exceeds
// connection_timeout_ms.
func (c *Connection) IsTimedOut(now time.Time) bool {
	if c.lastRecvAny.IsZero() {
		return false
	}
	return now.Sub(c.lastRecvAny) > c.cfg.connectionTimeout()
}

// Touch records that a packet (any kind) was just received from the peer.
func (c *Connection) Touch(now time.Time) { c.lastRecvAny = now }

// --- state transitions ---

// Connect begins an outbound handshake.
func (c *Connection) Connect(now time.Time) {
	c.state = StateWaitingForConnectionResponse
	c.enqueueInternal(ClassConnectionRequest, nil, true, true, now)
}

// OnConnectRequestReceived handles an inbound ConnectionRequest while
// Disconnected.
func (c *Connection) OnConnectRequestReceived() {
	if c.state == StateDisconnected {
		c.state = StateMustSendConnectionResponse
	}
}

// Accept responds to a pending connection request.
func (c *Connection) Accept(now time.Time) {
	if c.state != StateMustSendConnectionResponse {
		return
	}
	c.state = StateConnected
	c.enqueueInternal(ClassConnectionResponse, nil, true, true, now)
}

// Refuse tears down a pending connection request without replying.
func (c *Connection) Refuse() {
	if c.state == StateMustSendConnectionResponse {
		c.state = StateDisconnected
	}
}

// Disconnect best-effort notifies the peer and tears down locally.
func (c *Connection) Disconnect(now time.Time) {
	if c.state == StateDisconnected {
		return
	}
	c.enqueueInternal(ClassDisconnectRequest, nil, true, true, now)
	c.state = StateDisconnected
}

// --- outgoing path ---

// Enqueue implements ReliableConnection::enqueue. parts are concatenated
// before chunking (a variadic scatter-buffer convenience grounded on the
// original's SrcBufferSet, which assembles a message from multiple
// source buffers without an intermediate copy at the call site).
func (c *Connection) Enqueue(class MessageClass, reliable, flush bool, now time.Time, parts ...[]byte) {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	payload := make([]byte, 0, total)
	for _, p := range parts {
		payload = append(payload, p...)
	}
	c.enqueuePayload(class, reliable, flush, payload, now)
}

func (c *Connection) enqueuePayload(class MessageClass, reliable, flush bool, payload []byte, now time.Time) {
	maxSingle := c.cfg.Framing.MaxPayloadBytes() - HeaderSize - MultiPartChunkHeaderSize
	if reliable && len(payload) > maxSingle && maxSingle > 0 {
		c.enqueueMultiPart(payload, flush, now)
		return
	}
	c.pushPending(class, reliable, flush, payload, now)
}

func (c *Connection) enqueueMultiPart(payload []byte, flush bool, now time.Time) {
	chunkSize := c.cfg.Framing.MaxPayloadBytes() - HeaderSize - MultiPartChunkHeaderSize
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total > 255 {
		total = 255
		chunkSize = (len(payload) + 254) / 255
	}
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := EncodeMultiPartChunk(nil, byte(i+1), byte(total), payload[start:end])
		c.pushPending(ClassMultiPartMessage, true, flush, chunk, now)
	}
}

func (c *Connection) pushPending(class MessageClass, reliable, flush bool, payload []byte, now time.Time) {
	m := &PendingMessage{
		Payload:  payload,
		Class:    class,
		Flush:    flush,
		QueuedAt: now,
	}
	if reliable && !class.AlwaysUnreliable() {
		m.SeqID = c.nextOutSeq
		c.nextOutSeq = c.nextOutSeq.Successor()
	} else {
		m.SeqID = Invalid
	}
	c.pending = append(c.pending, m)
}

func (c *Connection) enqueueInternal(class MessageClass, payload []byte, reliable, flush bool, now time.Time) {
	c.enqueuePayload(class, reliable, flush, payload, now)
}

// effectiveTime computes the "effective oldest time" used to pick the
// scheduler's anchor message.
func (c *Connection) effectiveTime(m *PendingMessage, now time.Time) time.Time {
	t := m.LastSent
	if !m.everSent() {
		t = now.Add(-c.cfg.resendInterval() - time.Millisecond)
	}
	if !m.LastSent.IsZero() && m.LastSent.Before(c.lastRecvAny.Add(-c.cfg.minExpectedAckTime())) {
		t = t.Add(-c.cfg.resendInterval())
	}
	return t
}

// worthSending implements the packet-coalescing gate.
func (c *Connection) worthSending(anchor *PendingMessage, nextPacketBytes int, now time.Time) bool {
	if c.cfg.SendPacketsImmediately {
		return true
	}
	if now.Sub(c.lastSent) > c.cfg.maxTimeSinceLastSend() {
		return true
	}
	if anchor.Flush {
		return true
	}
	if anchor.everSent() && now.Sub(anchor.LastSent) > c.cfg.resendInterval() {
		return true
	}
	if nextPacketBytes >= c.cfg.Framing.MaxPayloadBytes()-c.cfg.MaxBytesFreeInFullPacket {
		return true
	}
	return false
}

// SendOptimalUnAckedPackets is the core scheduler
// (send_optimal_unacked_packets). It assembles at most budget datagrams
// and hands each to send; it returns how many were actually sent.
func (c *Connection) SendOptimalUnAckedPackets(budget int, now time.Time, send func([]byte) error) int {
	sentCount := 0
	for sentCount < budget {
		if len(c.pending) == 0 {
			return sentCount
		}
		if c.cfg.packetSeparationInterval() > 0 && !c.lastSent.IsZero() &&
			now.Sub(c.lastSent) < c.cfg.packetSeparationInterval() {
			return sentCount
		}

		anchorIdx := 0
		anchorTime := c.effectiveTime(c.pending[0], now)
		for i := 1; i < len(c.pending); i++ {
			t := c.effectiveTime(c.pending[i], now)
			if t.Before(anchorTime) {
				anchorTime = t
				anchorIdx = i
			}
		}
		anchor := c.pending[anchorIdx]
		// Nothing is due until its effective time is a full resend interval
		// old; never-sent messages are always just past that point.
		if anchorTime.After(now.Add(-c.cfg.resendInterval())) {
			return sentCount
		}

		packed, packedIdx := c.packFrom(anchorIdx, now)
		bodyLen := 0
		for _, m := range packed {
			if len(packed) > 1 {
				bodyLen += 3
			}
			bodyLen += len(m.Payload)
		}
		if !c.worthSending(anchor, bodyLen, now) {
			return sentCount
		}

		buf := c.buildPacket(packed, now)
		if err := send(buf); err != nil {
			c.log.Warn("send to %s failed: %v", c.Peer, err)
			return sentCount
		}

		for _, m := range packed {
			if m.FirstSent.IsZero() {
				m.FirstSent = now
			}
			m.LastSent = now
		}
		c.lastSent = now

		// Unreliable messages are removed right after their first send.
		kept := c.pending[:0]
		packedSet := make(map[*PendingMessage]bool, len(packed))
		for _, m := range packed {
			packedSet[m] = true
		}
		for _, m := range c.pending {
			if packedSet[m] && m.SeqID == Invalid {
				c.queuedMS.RecordDuration(now.Sub(m.QueuedAt))
				continue
			}
			kept = append(kept, m)
		}
		c.pending = kept
		_ = packedIdx
		sentCount++
	}
	return sentCount
}

// packFrom greedily packs consecutive pending messages starting at
// anchorIdx until the next one would exceed max_payload_bytes, then
// opportunistically folds in any earlier pending messages that still
// fit.
func (c *Connection) packFrom(anchorIdx int, now time.Time) ([]*PendingMessage, []int) {
	maxBody := c.cfg.Framing.MaxPayloadBytes() - HeaderSize
	var packed []*PendingMessage
	var idxs []int

	bodySize := func(msgs []*PendingMessage) int {
		if len(msgs) <= 1 {
			n := 0
			for _, m := range msgs {
				n += len(m.Payload)
			}
			return n
		}
		n := 0
		for _, m := range msgs {
			n += 3 + len(m.Payload)
		}
		return n
	}

	for i := anchorIdx; i < len(c.pending); i++ {
		candidate := append(append([]*PendingMessage{}, packed...), c.pending[i])
		if len(packed) > 0 && bodySize(candidate) > maxBody {
			break
		}
		packed = candidate
		idxs = append(idxs, i)
	}

	for i := anchorIdx - 1; i >= 0; i-- {
		candidate := append([]*PendingMessage{c.pending[i]}, packed...)
		if bodySize(candidate) > maxBody {
			continue
		}
		packed = candidate
		idxs = append([]int{i}, idxs...)
	}
	return packed, idxs
}

func (c *Connection) buildPacket(packed []*PendingMessage, now time.Time) []byte {
	seqMin, seqMax := Invalid, Invalid
	anyReliable := false
	anyUnreliable := false
	for _, m := range packed {
		if m.SeqID != Invalid {
			if seqMin == Invalid || m.SeqID.Before(seqMin) {
				seqMin = m.SeqID
			}
			if seqMax == Invalid || seqMax.Before(m.SeqID) {
				seqMax = m.SeqID
			}
			anyReliable = true
		} else {
			anyUnreliable = true
		}
	}

	var class MessageClass
	switch {
	case len(packed) == 1 && anyReliable:
		class = ClassSingleReliable
	case len(packed) == 1:
		class = ClassSingleUnreliable
	case anyReliable && anyUnreliable:
		class = ClassMultipleMixedMessages
	case anyReliable:
		class = ClassMultipleReliableMessages
	default:
		class = ClassMultipleUnreliableMessages
	}
	if len(packed) == 1 {
		// A single internally-tagged control message keeps its own class
		// (ConnectionRequest/Response/DisconnectRequest/Ping/Ack) rather than
		// being coerced to Single{Un}Reliable.
		switch packed[0].Class {
		case ClassConnectionRequest, ClassConnectionResponse, ClassDisconnectRequest, ClassPing, ClassAck, ClassMultiPartMessage:
			class = packed[0].Class
		}
	}

	h := Header{Class: class, SeqMin: seqMin, SeqMax: seqMax, LastReceived: c.lastInAcked}
	buf := EncodeHeader(nil, h)
	if len(packed) == 1 {
		buf = append(buf, packed[0].Payload...)
	} else {
		for _, m := range packed {
			buf = EncodeSubMessage(buf, m.Class, m.Payload)
		}
	}
	return buf
}

// --- incoming path ---

// UpdateLastAcked walks pending from the front removing every reliable
// entry whose id falls in (prevPeerAcked, lastReceived], where lastReceived
// is the peer's own advertised LastReceived header field — i.e. what the
// peer has told us it has received of our outgoing reliable stream. This
// is the sender-side watermark (peerAcked), distinct from lastInAcked
// (the receiver-side watermark we advertise to the peer). Returns true iff
// anything was removed.
func (c *Connection) UpdateLastAcked(lastReceived SequenceID, now time.Time) bool {
	if lastReceived == Invalid || !c.peerAcked.Before(lastReceived) {
		// A repeated or older LastReceived acknowledges nothing new.
		return false
	}
	prevPeerAcked := c.peerAcked
	removedAny := false
	kept := c.pending[:0]
	for _, m := range c.pending {
		if m.SeqID != Invalid && m.SeqID.InRange(c.peerAcked.Successor(), lastReceived) {
			if !m.FirstSent.IsZero() {
				c.ackRTT.RecordDuration(now.Sub(m.FirstSent))
			}
			removedAny = true
			continue
		}
		kept = append(kept, m)
	}
	c.pending = kept
	if removedAny {
		c.peerAcked = lastReceived
	}
	for _, m := range c.pending {
		c.cfg.assertInvariant(m.SeqID == Invalid || !m.SeqID.InRange(prevPeerAcked.Successor(), c.peerAcked),
			"a reliable message just acknowledged must not remain in the pending queue")
	}
	return removedAny
}

// HandlePacket processes one validated, header-decoded inbound datagram
// and returns the application-visible events it produced.
func (c *Connection) HandlePacket(h Header, body []byte, now time.Time) ([]Event, error) {
	c.Touch(now)
	ackedSomething := c.UpdateLastAcked(h.LastReceived, now)

	hasReliableContent := h.SeqMin != Invalid
	staleRange := false
	if hasReliableContent {
		staleRange = !c.nextInSeq.InRange(h.SeqMin, h.SeqMax)
		if staleRange {
			c.outOfOrderCount++
		}
	}

	var msgs []SubMessage
	if !staleRange || h.Class == ClassMultipleMixedMessages {
		decoded, err := DecodeBody(h, body)
		if err != nil {
			return nil, err
		}
		msgs = decoded
	}

	var events []Event
	for _, sm := range msgs {
		if sm.SeqID != Invalid {
			if sm.SeqID != c.nextInSeq {
				continue
			}
			c.nextInSeq = c.nextInSeq.Successor()
			c.lastInAcked = sm.SeqID
		}
		ev, ok := c.dispatch(sm, now)
		if ok {
			events = append(events, ev)
		}
	}

	if ackedSomething {
		// Caller (Transport) is expected to immediately give this
		// connection another chance to send via SendOptimalUnAckedPackets
		// with max_packets_to_resend_on_ack.
	}
	if c.cfg.SendAckOnReceipt && hasReliableContent {
		c.pushPending(ClassAck, false, false, nil, now)
	}
	return events, nil
}

func (c *Connection) dispatch(sm SubMessage, now time.Time) (Event, bool) {
	switch sm.Class {
	case ClassConnectionRequest:
		c.OnConnectRequestReceived()
		return Event{Tag: EventConnectRequest}, true
	case ClassConnectionResponse:
		if c.state != StateConnected {
			c.state = StateConnected
		}
		return Event{Tag: EventConnected}, true
	case ClassDisconnectRequest:
		c.state = StateDisconnected
		return Event{Tag: EventDisconnected}, true
	case ClassSingleReliable, ClassSingleUnreliable:
		return Event{Tag: EventNormalMessage, Payload: sm.Payload}, true
	case ClassMultiPartMessage:
		return c.handleMultiPart(sm.Payload, now)
	case ClassAck:
		return Event{}, false
	case ClassPing:
		c.handlePing(sm.Payload, now)
		return Event{}, false
	default:
		return Event{}, false
	}
}

func (c *Connection) handleMultiPart(payload []byte, now time.Time) (Event, bool) {
	idx, total, data, err := DecodeMultiPartChunk(payload)
	if err != nil {
		return Event{}, false
	}
	if idx == 1 {
		c.reassembly.reset()
		c.reassembly.totalParts = total
		c.reassembly.nextPart = 1
	}
	if idx != c.reassembly.nextPart || total != c.reassembly.totalParts {
		// Out-of-order or mismatched chunk: drop silently, reassembly
		// cannot proceed because parts share the reliable sequence stream
		// and are therefore already guaranteed in order by nextInSeq.
		return Event{}, false
	}
	c.reassembly.data = append(c.reassembly.data, data...)
	c.reassembly.nextPart++
	if c.reassembly.nextPart > c.reassembly.totalParts {
		full := c.reassembly.data
		c.reassembly.reset()
		return Event{Tag: EventNormalMessage, Payload: full}, true
	}
	return Event{}, false
}

// --- keep-alive pings ---

// MaybeSendPing enqueues a ping message per the configured cadence.
func (c *Connection) MaybeSendPing(now time.Time) {
	if c.cfg.SendSeparatePingMessages {
		if c.lastPingSent.IsZero() || now.Sub(c.lastPingSent) >= c.cfg.pingInterval() {
			c.sendPing(now, false, 0)
		}
		return
	}
	if len(c.pending) == 0 && (c.lastSent.IsZero() || now.Sub(c.lastSent) >= c.cfg.pingInterval()) {
		c.sendPing(now, false, 0)
	}
}

func (c *Connection) sendPing(now time.Time, isReply bool, replyTimeMS float64) {
	t := replyTimeMS
	if !isReply {
		t = float64(now.UnixMilli())
	}
	p := PingPayload{
		SenderTimeMS:  t,
		PingsSent:     c.pingsSent,
		PingsReceived: c.pingsReceived,
		IsReply:       isReply,
	}
	c.pingsSent++
	c.pushPending(ClassPing, false, true, EncodePing(p), now)
	c.lastPingSent = now
}

func (c *Connection) handlePing(payload []byte, now time.Time) {
	p, err := DecodePing(payload)
	if err != nil {
		return
	}
	c.pingsReceived++
	if !p.IsReply {
		c.sendPing(now, true, p.SenderTimeMS)
		return
	}
	rtt := float64(now.UnixMilli()) - p.SenderTimeMS
	if rtt >= 0 {
		c.pingRTT.Record(rtt)
	}
}

// PingRTT exposes the running ping round-trip statistics.
func (c *Connection) PingRTT() *RecentStatsAccumulator { return c.pingRTT }

// AckRTT exposes the running ack round-trip statistics.
func (c *Connection) AckRTT() *RecentStatsAccumulator { return c.ackRTT }

// PendingCount reports how many messages are still queued or unacked.
func (c *Connection) PendingCount() int { return len(c.pending) }
