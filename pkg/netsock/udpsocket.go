package netsock

import (
	"net"
	"strings"
	"sync"
	"time"

	"reliabletransport/pkg/netaddr"
)

// recvPollTimeout bounds how long Recv blocks before reporting
// ErrWouldBlock; it keeps Recv non-blocking-ish without spinning a busy
// loop in the transport's update tick.
const recvPollTimeout = time.Millisecond

// UDPSocket is the real, OS-backed Socket implementation, one process-wide
// instance shared by every ReliableTransport that wants a live network.
type UDPSocket struct {
	mu    sync.Mutex
	conns map[ID]*net.UDPConn
	next  ID
}

// NewUDPSocket constructs an empty real-socket table.
func NewUDPSocket() *UDPSocket {
	return &UDPSocket{conns: make(map[ID]*net.UDPConn)}
}

func (s *UDPSocket) Open(family Family, typ Type, protocol int) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	// The conn itself is created lazily at Bind time, since net.ListenUDP
	// both allocates and binds in one call; record a placeholder so Bind
	// can find a reserved id.
	s.conns[id] = nil
	return id, nil
}

func (s *UDPSocket) Bind(id ID, local netaddr.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return ErrNotASocket
	}

	network := "udp4"
	var addr *net.UDPAddr
	switch local.Kind() {
	case netaddr.KindIPv4:
		addr = local.UDPAddr()
	case netaddr.KindIPv6:
		network = "udp6"
		addr = local.UDPAddr()
	case netaddr.KindNone:
		addr = &net.UDPAddr{Port: 0}
	default:
		return ErrNotASocket
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		if isAddrInUse(err) {
			return ErrAddressInUse
		}
		return &OtherIOError{Err: err}
	}
	s.conns[id] = conn
	return nil
}

func (s *UDPSocket) GetOpt(id ID, opt int) ([]byte, error) {
	return nil, nil
}

func (s *UDPSocket) SetOpt(id ID, opt int, value []byte) error {
	return nil
}

func (s *UDPSocket) Close(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return ErrNotASocket
	}
	delete(s.conns, id)
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &OtherIOError{Err: err}
	}
	return nil
}

func (s *UDPSocket) conn(id ID) (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, ErrNotASocket
	}
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (s *UDPSocket) SendTo(id ID, data []byte, dest netaddr.Endpoint) (int, error) {
	conn, err := s.conn(id)
	if err != nil {
		return 0, err
	}
	n, err := conn.WriteToUDP(data, dest.UDPAddr())
	if err != nil {
		return n, &OtherIOError{Err: err}
	}
	return n, nil
}

func (s *UDPSocket) Recv(id ID, buf []byte) (int, netaddr.Endpoint, bool, error) {
	conn, err := s.conn(id)
	if err != nil {
		return 0, netaddr.None, false, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(recvPollTimeout))
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netaddr.None, false, ErrWouldBlock
		}
		if isConnClosed(err) {
			return 0, netaddr.None, false, ErrNotConnected
		}
		return 0, netaddr.None, false, &OtherIOError{Err: err}
	}
	truncated := n == len(buf)
	return n, netaddr.FromUDPAddr(addr), truncated, nil
}

func (s *UDPSocket) LocalIP() netaddr.Endpoint {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netaddr.None
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			var b [4]byte
			copy(b[:], v4)
			return netaddr.NewIPv4(b, 0)
		}
	}
	return netaddr.None
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

func isConnClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
