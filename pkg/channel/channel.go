// Package channel implements Channel (L5): the application-facing
// address↔ConnectionId multiplexer. It owns the bijection between
// ConnectionIds and Endpoints, an IncomingPacket FIFO, and a pair of
// reconnect-safe queue-clearing idioms.
package channel

import (
	"sync"

	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netclock"
	"reliabletransport/pkg/netlog"
	"reliabletransport/pkg/netsock"
	"reliabletransport/pkg/reliable"
)

// IncomingTag names the kind of event an IncomingPacket carries.
type IncomingTag int

const (
	TagNormalMessage IncomingTag = iota
	TagConnectionRequest
	TagConnected
	TagDisconnected
)

// IncomingPacket is one application-visible event.
type IncomingPacket struct {
	Tag     IncomingTag
	Payload []byte
	ID      netaddr.ConnectionID
	Source  netaddr.Endpoint
}

// OutgoingPacket is one application send request.
type OutgoingPacket struct {
	Buffer   []byte
	Dest     netaddr.ConnectionID
	Reliable bool
	Hot      bool
}

type connData struct {
	id      netaddr.ConnectionID
	addr    netaddr.Endpoint
	pending bool // true between AddConnection and the transport reporting Connected
}

// Channel is the L5 endpoint↔ConnectionId multiplexer sitting on top of
// a reliable.Transport.
type Channel struct {
	transport *reliable.Transport

	mu       sync.Mutex
	addrToID map[netaddr.Endpoint]netaddr.ConnectionID
	idToAddr map[netaddr.ConnectionID]netaddr.Endpoint
	conns    map[netaddr.ConnectionID]*connData
	incoming []IncomingPacket
	log      netlog.Logger
}

// New builds a Channel and the reliable.Transport underneath it.
func New(sock netsock.Socket, cfg *reliable.Config, clock netclock.Clock, log netlog.Logger) (*Channel, error) {
	ch := &Channel{
		addrToID: make(map[netaddr.Endpoint]netaddr.ConnectionID),
		idToAddr: make(map[netaddr.ConnectionID]netaddr.Endpoint),
		conns:    make(map[netaddr.ConnectionID]*connData),
		log:      log,
	}
	tr, err := reliable.New(sock, cfg, clock, log, ch.onTransportEvent)
	if err != nil {
		return nil, err
	}
	ch.transport = tr
	return ch, nil
}

// Transport exposes the underlying reliable.Transport so callers can
// drive its lifecycle (StartHost/StartClient/Update/...).
func (ch *Channel) Transport() *reliable.Transport { return ch.transport }

// onTransportEvent is the reliable.EventHandler registered with the
// Transport. It runs under the transport lock (see reliable.Transport.Update),
// so it must not call back into the Transport synchronously — it only
// appends to the local incoming FIFO and mutates the bijection maps.
func (ch *Channel) onTransportEvent(peer netaddr.Endpoint, ev reliable.Event) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	id, known := ch.addrToID[peer]

	switch ev.Tag {
	case reliable.EventConnectRequest:
		ch.incoming = append(ch.incoming, IncomingPacket{Tag: TagConnectionRequest, Source: peer})
	case reliable.EventConnected:
		if known {
			if cd := ch.conns[id]; cd != nil {
				cd.pending = false
			}
			ch.incoming = append(ch.incoming, IncomingPacket{Tag: TagConnected, ID: id, Source: peer})
		}
	case reliable.EventDisconnected:
		if known {
			ch.incoming = append(ch.incoming, IncomingPacket{Tag: TagDisconnected, ID: id, Source: peer})
			ch.removeLocked(id)
		}
	case reliable.EventNormalMessage:
		if known {
			ch.incoming = append(ch.incoming, IncomingPacket{Tag: TagNormalMessage, Payload: ev.Payload, ID: id, Source: peer})
		}
	}
}

// AddConnection registers the (id, endpoint) pair. If either half
// already maps to something else, the stale mapping is force-disconnected
// first: a warning is logged, an OnDisconnected event is queued for it,
// and its incoming-queue entries are cleared.
func (ch *Channel) AddConnection(id netaddr.ConnectionID, addr netaddr.Endpoint) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if staleAddr, ok := ch.idToAddr[id]; ok && staleAddr != addr {
		ch.log.Warn("connection id %s reused for a new endpoint %s (was %s)", id, addr, staleAddr)
		ch.forceDisconnectLocked(id, staleAddr)
	}
	if staleID, ok := ch.addrToID[addr]; ok && staleID != id {
		ch.log.Warn("endpoint %s reused for a new connection id %s (was %s)", addr, id, staleID)
		ch.forceDisconnectLocked(staleID, addr)
	}

	ch.addrToID[addr] = id
	ch.idToAddr[id] = addr
	ch.conns[id] = &connData{id: id, addr: addr, pending: true}
}

func (ch *Channel) forceDisconnectLocked(id netaddr.ConnectionID, addr netaddr.Endpoint) {
	ch.clearPacketsForAddressLocked(addr)
	ch.incoming = append(ch.incoming, IncomingPacket{Tag: TagDisconnected, ID: id, Source: addr})
	ch.removeLocked(id)
}

func (ch *Channel) removeLocked(id netaddr.ConnectionID) {
	addr, ok := ch.idToAddr[id]
	if !ok {
		return
	}
	delete(ch.idToAddr, id)
	delete(ch.addrToID, addr)
	delete(ch.conns, id)
}

// RemoveConnection drops the mapping for id without emitting any event.
func (ch *Channel) RemoveConnection(id netaddr.ConnectionID) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.removeLocked(id)
}

// RemoveAll drops every mapping.
func (ch *Channel) RemoveAll() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.addrToID = make(map[netaddr.Endpoint]netaddr.ConnectionID)
	ch.idToAddr = make(map[netaddr.ConnectionID]netaddr.Endpoint)
	ch.conns = make(map[netaddr.ConnectionID]*connData)
}

// AcceptIncoming accepts a pending ConnectionRequest from addr, assigning
// it id, and returns whether the request was actually pending.
func (ch *Channel) AcceptIncoming(id netaddr.ConnectionID, addr netaddr.Endpoint) bool {
	conn, ok := ch.transport.Connection(addr)
	if !ok || conn.State() != reliable.StateMustSendConnectionResponse {
		return false
	}
	ch.AddConnection(id, addr)
	ch.transport.Accept(addr)
	return true
}

// RefuseIncoming refuses a pending ConnectionRequest from addr.
func (ch *Channel) RefuseIncoming(addr netaddr.Endpoint) {
	ch.transport.Refuse(addr)
}

// IsActive reports whether id names a connection in the Connected state.
func (ch *Channel) IsActive(id netaddr.ConnectionID) bool {
	ch.mu.Lock()
	addr, ok := ch.idToAddr[id]
	ch.mu.Unlock()
	if !ok {
		return false
	}
	conn, ok := ch.transport.Connection(addr)
	return ok && conn.State() == reliable.StateConnected
}

// GetID looks up the ConnectionId bound to addr.
func (ch *Channel) GetID(addr netaddr.Endpoint) (netaddr.ConnectionID, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id, ok := ch.addrToID[addr]
	return id, ok
}

// GetEndpoint looks up the Endpoint bound to id.
func (ch *Channel) GetEndpoint(id netaddr.ConnectionID) (netaddr.Endpoint, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	addr, ok := ch.idToAddr[id]
	return addr, ok
}

// Send enqueues pkt for delivery, rejecting sends to an unknown id, a
// connection still in MustSendConnectionResponse, or a Disconnected one.
// Any other send returns true, but the Transport drops the message (with
// a warning) if the peer is not Connected when the queued send runs:
// sends made before the handshake completes are not held for later.
func (ch *Channel) Send(pkt OutgoingPacket) bool {
	ch.mu.Lock()
	addr, ok := ch.idToAddr[pkt.Dest]
	ch.mu.Unlock()
	if !ok {
		return false
	}
	conn, ok := ch.transport.Connection(addr)
	if ok {
		switch conn.State() {
		case reliable.StateMustSendConnectionResponse, reliable.StateDisconnected:
			return false
		}
	}
	ch.transport.Send(addr, pkt.Buffer, pkt.Reliable, pkt.Hot)
	return true
}

// PopIncoming pops the oldest queued event, if any.
func (ch *Channel) PopIncoming() (IncomingPacket, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.incoming) == 0 {
		return IncomingPacket{}, false
	}
	pkt := ch.incoming[0]
	ch.incoming = ch.incoming[1:]
	return pkt, true
}

// ClearPacketsForAddress drops every queued event sourced from addr.
func (ch *Channel) ClearPacketsForAddress(addr netaddr.Endpoint) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.clearPacketsForAddressLocked(addr)
}

func (ch *Channel) clearPacketsForAddressLocked(addr netaddr.Endpoint) {
	kept := ch.incoming[:0]
	for _, p := range ch.incoming {
		if p.Source != addr {
			kept = append(kept, p)
		}
	}
	ch.incoming = kept
}

// ClearPacketsUntilNewestConnection keeps queued events for addr from the
// most recent Disconnected event from addr onward (that event included),
// dropping everything from that address queued before it; if addr has no
// queued Disconnected event, all of its events are dropped. This lets a queued
// reconnect survive the removal of the stale session: a walk-backward to
// the latest Disconnected tag, verified in channel_test.go.
func (ch *Channel) ClearPacketsUntilNewestConnection(addr netaddr.Endpoint) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	cutoff := -1
	for i := len(ch.incoming) - 1; i >= 0; i-- {
		p := ch.incoming[i]
		if p.Source == addr && p.Tag == TagDisconnected {
			cutoff = i
			break
		}
	}
	if cutoff < 0 {
		ch.clearPacketsForAddressLocked(addr)
		return
	}

	kept := ch.incoming[:0]
	for i, p := range ch.incoming {
		if p.Source == addr && i < cutoff {
			continue
		}
		kept = append(kept, p)
	}
	ch.incoming = kept
}
