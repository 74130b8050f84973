package netsock

import (
	"sync"

	"reliabletransport/pkg/netaddr"
)

// MaxFakeSocketsPerRegistry bounds how many sockets a FakeRegistry
// supports open at once.
const MaxFakeSocketsPerRegistry = 4

type fakeDatagram struct {
	data   []byte
	source netaddr.Endpoint
}

type fakeSocketState struct {
	bound  netaddr.Endpoint
	closed bool
	inbox  []fakeDatagram
}

// FakeRegistry is a process-wide, in-memory registry of fake sockets that
// deliver datagrams by copying between peer queues. It is the basis for
// deterministic unit tests, addressed by a virtual Endpoint rather than a
// real IP/port.
type FakeRegistry struct {
	mu      sync.Mutex
	sockets map[ID]*fakeSocketState
	byAddr  map[netaddr.Endpoint]ID
	next    ID
}

// NewFakeRegistry builds an empty registry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		sockets: make(map[ID]*fakeSocketState),
		byAddr:  make(map[netaddr.Endpoint]ID),
	}
}

// Socket returns a Socket view of the registry bound to no particular
// local address resolution strategy of its own; every FakeSocket call
// simply indexes into the shared registry by ID.
func (r *FakeRegistry) Socket() Socket { return &fakeSocket{reg: r} }

// fakeSocket implements Socket over a shared *FakeRegistry.
type fakeSocket struct {
	reg *FakeRegistry
}

func (f *fakeSocket) Open(Family, Type, int) (ID, error) {
	r := f.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sockets) >= MaxFakeSocketsPerRegistry {
		return 0, ErrTooManyOpen
	}
	r.next++
	id := r.next
	r.sockets[id] = &fakeSocketState{}
	return id, nil
}

func (f *fakeSocket) Bind(id ID, local netaddr.Endpoint) error {
	r := f.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sockets[id]
	if !ok {
		return ErrNotASocket
	}
	if local.IsNone() {
		// Ephemeral virtual address: synthesize one from the socket id so
		// every bind-with-no-address still gets a routable endpoint.
		local = netaddr.NewVirtual(uint32(id) | 0x80000000)
	}
	if existing, taken := r.byAddr[local]; taken && existing != id {
		return ErrAddressInUse
	}
	state.bound = local
	r.byAddr[local] = id
	return nil
}

func (f *fakeSocket) GetOpt(ID, int) ([]byte, error)      { return nil, nil }
func (f *fakeSocket) SetOpt(ID, int, []byte) error        { return nil }

func (f *fakeSocket) Close(id ID) error {
	r := f.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sockets[id]
	if !ok {
		return ErrNotASocket
	}
	state.closed = true
	delete(r.byAddr, state.bound)
	delete(r.sockets, id)
	return nil
}

func (f *fakeSocket) SendTo(id ID, data []byte, dest netaddr.Endpoint) (int, error) {
	r := f.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sockets[id]
	if !ok {
		return 0, ErrNotASocket
	}
	if src.closed {
		return 0, ErrNotConnected
	}

	destID, ok := r.byAddr[dest]
	if !ok {
		// No listener at dest: best-effort UDP semantics mean the send
		// still "succeeds" from the sender's point of view.
		return len(data), nil
	}
	destState := r.sockets[destID]
	cp := make([]byte, len(data))
	copy(cp, data)
	destState.inbox = append(destState.inbox, fakeDatagram{data: cp, source: src.bound})
	return len(data), nil
}

func (f *fakeSocket) Recv(id ID, buf []byte) (int, netaddr.Endpoint, bool, error) {
	r := f.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sockets[id]
	if !ok {
		return 0, netaddr.None, false, ErrNotASocket
	}
	if state.closed {
		return 0, netaddr.None, false, ErrNotConnected
	}
	if len(state.inbox) == 0 {
		return 0, netaddr.None, false, ErrWouldBlock
	}

	dgram := state.inbox[0]
	state.inbox = state.inbox[1:]

	truncated := len(dgram.data) > len(buf)
	n := copy(buf, dgram.data)
	return n, dgram.source, truncated, nil
}

func (f *fakeSocket) LocalIP() netaddr.Endpoint {
	return netaddr.NewVirtual(0)
}
