package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netclock"
	"reliabletransport/pkg/netlog"
	"reliabletransport/pkg/netsock"
	"reliabletransport/pkg/reliable"
)

func buildChannelPair(t *testing.T) (*Channel, *Channel, *netclock.Manual) {
	t.Helper()
	reg := netsock.NewFakeRegistry()
	clock := netclock.NewManual(time.Unix(0, 0))

	a, err := New(reg.Socket(), reliable.DefaultConfig(), clock, netlog.Nop())
	require.NoError(t, err)
	b, err := New(reg.Socket(), reliable.DefaultConfig(), clock, netlog.Nop())
	require.NoError(t, err)

	require.NoError(t, a.Transport().StartHost(netaddr.NewVirtual(1)))
	require.NoError(t, b.Transport().StartHost(netaddr.NewVirtual(2)))
	return a, b, clock
}

func tick(clock *netclock.Manual, channels []*Channel, n int) {
	for i := 0; i < n; i++ {
		clock.Advance(reliable.SchedulerTick)
		for _, ch := range channels {
			ch.Transport().Update()
		}
	}
}

func drainAll(ch *Channel) []IncomingPacket {
	var pkts []IncomingPacket
	for {
		p, ok := ch.PopIncoming()
		if !ok {
			return pkts
		}
		pkts = append(pkts, p)
	}
}

func TestBijectionEnforcedOnAdd(t *testing.T) {
	reg := netsock.NewFakeRegistry()
	clock := netclock.NewManual(time.Unix(0, 0))
	ch, err := New(reg.Socket(), reliable.DefaultConfig(), clock, netlog.Nop())
	require.NoError(t, err)

	addr1 := netaddr.NewVirtual(10)
	addr2 := netaddr.NewVirtual(11)
	ch.AddConnection(5, addr1)
	ch.AddConnection(5, addr2) // id reuse: addr1 must be force-disconnected

	id, ok := ch.GetID(addr1)
	require.False(t, ok, "stale address must be unmapped")
	_ = id
	gotAddr, ok := ch.GetEndpoint(5)
	require.True(t, ok)
	require.Equal(t, addr2, gotAddr)

	pkts := drainAll(ch)
	require.Len(t, pkts, 1)
	require.Equal(t, TagDisconnected, pkts[0].Tag)
	require.Equal(t, addr1, pkts[0].Source)
}

func TestClearPacketsForAddress(t *testing.T) {
	reg := netsock.NewFakeRegistry()
	clock := netclock.NewManual(time.Unix(0, 0))
	ch, err := New(reg.Socket(), reliable.DefaultConfig(), clock, netlog.Nop())
	require.NoError(t, err)

	addrA := netaddr.NewVirtual(1)
	addrB := netaddr.NewVirtual(2)
	ch.incoming = append(ch.incoming,
		IncomingPacket{Tag: TagNormalMessage, Source: addrA},
		IncomingPacket{Tag: TagNormalMessage, Source: addrB},
		IncomingPacket{Tag: TagNormalMessage, Source: addrA},
	)
	ch.ClearPacketsForAddress(addrA)
	pkts := drainAll(ch)
	require.Len(t, pkts, 1)
	require.Equal(t, addrB, pkts[0].Source)
}

func TestClearPacketsUntilNewestConnectionKeepsQueuedReconnect(t *testing.T) {
	reg := netsock.NewFakeRegistry()
	clock := netclock.NewManual(time.Unix(0, 0))
	ch, err := New(reg.Socket(), reliable.DefaultConfig(), clock, netlog.Nop())
	require.NoError(t, err)

	addr := netaddr.NewVirtual(3)
	other := netaddr.NewVirtual(4)
	ch.incoming = append(ch.incoming,
		IncomingPacket{Tag: TagNormalMessage, Source: addr},       // stale session traffic
		IncomingPacket{Tag: TagDisconnected, Source: addr},        // old session's teardown
		IncomingPacket{Tag: TagNormalMessage, Source: other},      // unrelated peer, always kept
		IncomingPacket{Tag: TagConnectionRequest, Source: addr},   // queued reconnect
	)
	ch.ClearPacketsUntilNewestConnection(addr)
	pkts := drainAll(ch)

	require.Len(t, pkts, 3)
	require.Equal(t, TagDisconnected, pkts[0].Tag)
	require.Equal(t, other, pkts[1].Source)
	require.Equal(t, TagConnectionRequest, pkts[2].Tag)
}

func TestScenarioTimeoutRemovesConnectionAndRejectsSends(t *testing.T) {
	a, b, clock := buildChannelPair(t)
	addrB := netaddr.NewVirtual(2)

	// The initiating side picks its own id for the peer, same as the
	// accepting side does in AcceptIncoming, before handshaking starts.
	a.AddConnection(50, addrB)
	a.Transport().Connect(addrB)
	tick(clock, []*Channel{a, b}, 20)

	// B must auto-accept via the application polling ConnectRequest.
	pkts := drainAll(b)
	var gotRequest bool
	for _, p := range pkts {
		if p.Tag == TagConnectionRequest {
			gotRequest = true
			require.True(t, b.AcceptIncoming(100, p.Source))
		}
	}
	require.True(t, gotRequest)
	tick(clock, []*Channel{a, b}, 20)

	idA, ok := a.GetID(addrB)
	require.True(t, ok)
	require.Equal(t, netaddr.ConnectionID(50), idA)

	aPkts := drainAll(a)
	var connected bool
	for _, p := range aPkts {
		if p.Tag == TagConnected {
			connected = true
		}
	}
	require.True(t, connected)

	// B goes silent; A must time out.
	ticks := int(reliable.DefaultConfig().ConnectionTimeoutMS/float64(reliable.SchedulerTick.Milliseconds())) + 50
	tick(clock, []*Channel{a}, ticks)

	disconnects := 0
	for {
		p, ok := a.PopIncoming()
		if !ok {
			break
		}
		if p.Tag == TagDisconnected {
			disconnects++
		}
	}
	require.Equal(t, 1, disconnects, "expected exactly one OnDisconnected event surfaced to A")

	ok = a.Send(OutgoingPacket{Buffer: []byte("too late"), Dest: 50, Reliable: true})
	require.False(t, ok, "send after timeout teardown must be rejected")
}
