// Package reliable implements ReliableConnection (L3) and ReliableTransport
// (L4): per-peer sequencing/reassembly/ping-ack bookkeeping, and the
// connection table, work queue and scheduler tick that drive it.
package reliable

import (
	"sync"
	"time"

	"reliabletransport/internal/workqueue"
	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netclock"
	"reliabletransport/pkg/netlog"
	"reliabletransport/pkg/netsock"
	"reliabletransport/pkg/unreliable"
)

// SchedulerTick is the target cadence for the scheduler in both sync and
// async mode.
const SchedulerTick = 2 * time.Millisecond

// EventHandler receives application-visible events as the scheduler
// processes packets. It is invoked while the transport lock is held, so
// handlers must not call back into the Transport synchronously.
type EventHandler func(peer netaddr.Endpoint, ev Event)

// Transport is ReliableTransport (L4): it owns the connection table, a
// work queue of deferred calls, and the scheduler tick.
type Transport struct {
	cfg   *Config
	clock netclock.Clock
	log   netlog.Logger
	wire  *unreliable.Transport

	onEvent EventHandler

	mu          sync.Mutex
	connections map[netaddr.Endpoint]*Connection
	queue       *workqueue.Queue

	async      bool
	stopAsync  chan struct{}
	asyncDone  chan struct{}

	lastTick time.Time
}

// New builds a Transport over a raw socket, using cfg's Framing for the
// underlying UnreliableTransport. onEvent may be nil.
func New(sock netsock.Socket, cfg *Config, clock netclock.Clock, log netlog.Logger, onEvent EventHandler) (*Transport, error) {
	wire, err := unreliable.New(sock, log, cfg.Framing)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg:         cfg,
		clock:       clock,
		log:         log,
		wire:        wire,
		onEvent:     onEvent,
		connections: make(map[netaddr.Endpoint]*Connection),
		queue:       workqueue.New(),
	}, nil
}

// StartHost binds to bind.
func (t *Transport) StartHost(bind netaddr.Endpoint) error {
	return t.wire.StartHost(bind)
}

// StartClient opens an ephemeral client socket.
func (t *Transport) StartClient() error {
	return t.wire.StartClient()
}

// StopHost and StopClient both just close the underlying socket; the
// distinction is kept at the call site for symmetry with StartHost/StartClient.
func (t *Transport) StopHost() error   { return t.wire.Stop() }
func (t *Transport) StopClient() error { return t.wire.Stop() }

// Send enqueues a message for delivery to peer. It returns immediately;
// actual transmission happens on the next scheduler tick.
func (t *Transport) Send(peer netaddr.Endpoint, payload []byte, reliable, flush bool) {
	t.queue.Push(func() {
		now := t.clock.Now()
		conn := t.connOrNil(peer)
		if conn == nil || conn.State() != StateConnected {
			t.log.Warn("send to unconnected peer %s dropped", peer)
			return
		}
		class := ClassSingleUnreliable
		if reliable {
			class = ClassSingleReliable
		}
		conn.Enqueue(class, reliable, flush, now, payload)
		if t.cfg.SendUnreliableImmediately || reliable {
			conn.SendOptimalUnAckedPackets(t.cfg.MaxPacketsToSendOnSend, now, func(buf []byte) error {
				return t.wire.SendTo(peer, buf)
			})
		}
	})
}

// Connect enqueues an outbound connection attempt to peer.
func (t *Transport) Connect(peer netaddr.Endpoint) {
	t.queue.Push(func() {
		now := t.clock.Now()
		conn := t.connFor(peer, now)
		conn.Connect(now)
	})
}

// Disconnect enqueues a disconnect of peer.
func (t *Transport) Disconnect(peer netaddr.Endpoint) {
	t.queue.Push(func() {
		now := t.clock.Now()
		conn := t.connOrNil(peer)
		if conn == nil {
			return
		}
		conn.Disconnect(now)
		conn.SendOptimalUnAckedPackets(1, now, func(buf []byte) error {
			return t.wire.SendTo(peer, buf)
		})
		t.fireEvent(peer, Event{Tag: EventDisconnected})
		delete(t.connections, peer)
	})
}

// Accept enqueues acceptance of a pending connection request from peer.
func (t *Transport) Accept(peer netaddr.Endpoint) {
	t.queue.Push(func() {
		now := t.clock.Now()
		conn := t.connOrNil(peer)
		if conn == nil {
			return
		}
		conn.Accept(now)
	})
}

// Refuse enqueues refusal of a pending connection request from peer.
func (t *Transport) Refuse(peer netaddr.Endpoint) {
	t.queue.Push(func() {
		conn := t.connOrNil(peer)
		if conn == nil {
			return
		}
		conn.Refuse()
		delete(t.connections, peer)
	})
}

// connOrNil and connFor assume the transport lock is already held. Every
// work-queue closure runs from inside Update(), which holds the lock for
// the whole drain, so queued tasks must never re-acquire it — there is no
// reentrant mutex in Go, so the lock is acquired exactly once per tick,
// by the scheduler itself, and every queued item rides along under it.
func (t *Transport) connOrNil(peer netaddr.Endpoint) *Connection {
	return t.connections[peer]
}

func (t *Transport) connFor(peer netaddr.Endpoint, now time.Time) *Connection {
	conn, ok := t.connections[peer]
	if !ok {
		conn = NewConnection(peer, t.cfg, t.clock, t.log)
		t.connections[peer] = conn
	}
	return conn
}

func (t *Transport) fireEvent(peer netaddr.Endpoint, ev Event) {
	if t.onEvent != nil {
		t.onEvent(peer, ev)
	}
}

// Connection exposes the live Connection for peer, if any (used by
// Channel to answer is_active/get_endpoint style queries).
func (t *Transport) Connection(peer netaddr.Endpoint) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.connections[peer]
	return c, ok
}

// Update is the scheduler tick: it drains the work queue, drains the
// underlying unreliable transport, drives each connection's keep-alive
// and resend logic, and tears down timed-out connections. It is safe to
// call from the application (synchronous mode) or from the dedicated
// goroutine started by SetAsync(true).
func (t *Transport) Update() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queue.Drain()

	now := t.clock.Now()
	t.wire.Update(func(payload []byte, src netaddr.Endpoint) {
		t.handleIncoming(src, payload, now)
	})

	for peer, conn := range t.connections {
		if conn.IsTimedOut(now) {
			t.fireEvent(peer, Event{Tag: EventDisconnected})
			delete(t.connections, peer)
			continue
		}
		conn.MaybeSendPing(now)
		conn.SendOptimalUnAckedPackets(t.cfg.MaxPacketsToResendOnUpdate, now, func(buf []byte) error {
			return t.wire.SendTo(peer, buf)
		})
	}
	t.lastTick = now
}

func (t *Transport) handleIncoming(src netaddr.Endpoint, payload []byte, now time.Time) {
	h, err := DecodeHeader(payload)
	if err != nil {
		return
	}
	conn, ok := t.connections[src]
	if !ok {
		conn = NewConnection(src, t.cfg, t.clock, t.log)
		t.connections[src] = conn
	}

	events, err := conn.HandlePacket(h, payload[HeaderSize:], now)
	if err != nil {
		t.log.Warn("malformed packet from %s: %v", src, err)
		return
	}
	for _, ev := range events {
		t.fireEvent(src, ev)
	}
	conn.SendOptimalUnAckedPackets(t.cfg.MaxPacketsToResendOnAck, now, func(buf []byte) error {
		return t.wire.SendTo(src, buf)
	})
}

// SetAsync toggles between a dedicated scheduler goroutine ticking every
// SchedulerTick (true) and a caller-driven tick (false). The switch is
// atomic: any goroutine started by a previous SetAsync(true) is stopped,
// and its final Update() completes, before this call returns.
func (t *Transport) SetAsync(async bool) {
	t.mu.Lock()
	wasAsync := t.async
	t.async = async
	stop := t.stopAsync
	done := t.asyncDone
	t.mu.Unlock()

	if wasAsync && !async && stop != nil {
		close(stop)
		<-done
	}
	if async && !wasAsync {
		t.mu.Lock()
		t.stopAsync = make(chan struct{})
		t.asyncDone = make(chan struct{})
		stopCh := t.stopAsync
		doneCh := t.asyncDone
		t.mu.Unlock()
		go t.runAsync(stopCh, doneCh)
	}
}

func (t *Transport) runAsync(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(SchedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Update()
		}
	}
}
