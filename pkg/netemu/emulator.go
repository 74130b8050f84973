// Package netemu implements NetEmulator (L1): a Socket decorator that
// injects random loss and latency jitter on the receive path, so higher
// layers can be exercised against a deterministic, reproducible unreliable
// network. It is a direct port of the original basestation's
// NetEmulatedUDPSocket.
package netemu

import (
	"math/rand"
	"sync"
	"time"

	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netclock"
	"reliabletransport/pkg/netsock"
)

// MaxLogicalSockets bounds how many logical sockets an Emulator tracks
// state for.
const MaxLogicalSockets = 8

// Config tunes the emulator's loss and latency behavior.
type Config struct {
	// LossPercent is the probability, in [0,100], that an inbound datagram
	// is discarded before it reaches the held-delivery queue.
	LossPercent float64
	// MinLatencyMS / MaxLatencyMS bound the uniform delivery-delay window
	// applied to surviving datagrams. A wide window deliberately permits
	// reordering, since a later-arriving datagram can draw a shorter delay.
	MinLatencyMS float64
	MaxLatencyMS float64
	// Seed makes the loss/latency PRNG deterministic across test runs.
	Seed uint64
}

type heldDatagram struct {
	data     []byte
	source   netaddr.Endpoint
	deliverAt time.Time
}

type socketState struct {
	held []heldDatagram
}

// Emulator wraps a netsock.Socket and adds random loss plus latency
// injection to everything it receives. Sending is pass-through.
type Emulator struct {
	inner netsock.Socket
	clock netclock.Clock
	cfg   Config
	rng   *rand.Rand

	mu       sync.Mutex
	sockets  map[netsock.ID]*socketState
	dropped  uint64
	received uint64
}

// New builds an Emulator over inner using the given clock (netclock.Real()
// in production, a netclock.Manual in tests) and config.
func New(inner netsock.Socket, clock netclock.Clock, cfg Config) *Emulator {
	return &Emulator{
		inner:   inner,
		clock:   clock,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(int64(cfg.Seed))),
		sockets: make(map[netsock.ID]*socketState),
	}
}

// DroppedCount reports how many inbound datagrams have been discarded by
// the loss model so far.
func (e *Emulator) DroppedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// SetLossPercent adjusts the loss probability at runtime, e.g. to heal a
// deliberately-severed link partway through a test.
func (e *Emulator) SetLossPercent(percent float64) {
	e.mu.Lock()
	e.cfg.LossPercent = percent
	e.mu.Unlock()
}

func (e *Emulator) stateFor(id netsock.ID) *socketState {
	s, ok := e.sockets[id]
	if !ok {
		s = &socketState{}
		if len(e.sockets) < MaxLogicalSockets {
			e.sockets[id] = s
		}
	}
	return s
}

func (e *Emulator) Open(family netsock.Family, typ netsock.Type, protocol int) (netsock.ID, error) {
	return e.inner.Open(family, typ, protocol)
}

func (e *Emulator) Bind(id netsock.ID, local netaddr.Endpoint) error {
	return e.inner.Bind(id, local)
}

func (e *Emulator) GetOpt(id netsock.ID, opt int) ([]byte, error) { return e.inner.GetOpt(id, opt) }
func (e *Emulator) SetOpt(id netsock.ID, opt int, value []byte) error {
	return e.inner.SetOpt(id, opt, value)
}

func (e *Emulator) Close(id netsock.ID) error {
	e.mu.Lock()
	delete(e.sockets, id)
	e.mu.Unlock()
	return e.inner.Close(id)
}

func (e *Emulator) SendTo(id netsock.ID, data []byte, dest netaddr.Endpoint) (int, error) {
	return e.inner.SendTo(id, data, dest)
}

// Recv drains the underlying socket of everything currently available,
// applies loss/latency to new arrivals, and returns the earliest
// already-due datagram in the per-socket held queue (if any). Because the
// latency window can span multiple calls, this deliberately allows
// datagrams to be delivered out of the order they physically arrived in.
func (e *Emulator) Recv(id netsock.ID, buf []byte) (int, netaddr.Endpoint, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.stateFor(id)
	e.drainInner(id, state)

	now := e.clock.Now()
	bestIdx := -1
	for i, d := range state.held {
		if !d.deliverAt.After(now) {
			if bestIdx == -1 || d.deliverAt.Before(state.held[bestIdx].deliverAt) {
				bestIdx = i
			}
		}
	}
	if bestIdx == -1 {
		return 0, netaddr.None, false, netsock.ErrWouldBlock
	}

	d := state.held[bestIdx]
	state.held = append(state.held[:bestIdx], state.held[bestIdx+1:]...)

	truncated := len(d.data) > len(buf)
	n := copy(buf, d.data)
	return n, d.source, truncated, nil
}

// drainInner pulls every currently-available datagram off the real socket
// and files it into the held queue (subject to loss), so a single Recv
// call observes everything that's arrived so far, not just one datagram.
func (e *Emulator) drainInner(id netsock.ID, state *socketState) {
	scratch := make([]byte, 65536)
	for {
		n, src, truncated, err := e.inner.Recv(id, scratch)
		if err != nil {
			return
		}
		e.received++
		if e.rng.Float64()*100 < e.cfg.LossPercent {
			e.dropped++
			continue
		}

		data := make([]byte, n)
		copy(data, scratch[:n])

		lo, hi := e.cfg.MinLatencyMS, e.cfg.MaxLatencyMS
		if hi < lo {
			hi = lo
		}
		jitter := lo
		if hi > lo {
			jitter = lo + e.rng.Float64()*(hi-lo)
		}
		deliverAt := e.clock.Now().Add(time.Duration(jitter * float64(time.Millisecond)))

		state.held = append(state.held, heldDatagram{data: data, source: src, deliverAt: deliverAt})
		_ = truncated // truncation is preserved on actual delivery, not here
	}
}

func (e *Emulator) LocalIP() netaddr.Endpoint { return e.inner.LocalIP() }
