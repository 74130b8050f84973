package netsock

import (
	"testing"

	"reliabletransport/pkg/netaddr"
)

func TestFakeSocketSendRecv(t *testing.T) {
	reg := NewFakeRegistry()
	a := reg.Socket()
	b := reg.Socket()

	idA, err := a.Open(FamilyInet, TypeDgram, 0)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := b.Open(FamilyInet, TypeDgram, 0)
	if err != nil {
		t.Fatal(err)
	}

	addrA := netaddr.NewVirtual(1)
	addrB := netaddr.NewVirtual(2)
	if err := a.Bind(idA, addrA); err != nil {
		t.Fatal(err)
	}
	if err := b.Bind(idB, addrB); err != nil {
		t.Fatal(err)
	}

	if _, err := a.SendTo(idA, []byte("hello"), addrB); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	n, src, truncated, err := b.Recv(idB, buf)
	if err != nil {
		t.Fatalf("expected a datagram, got error: %v", err)
	}
	if truncated {
		t.Error("did not expect truncation")
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("expected hello, got %q", buf[:n])
	}
	if src != addrA {
		t.Errorf("expected source %v, got %v", addrA, src)
	}

	if _, _, _, err := b.Recv(idB, buf); err != ErrWouldBlock {
		t.Errorf("expected ErrWouldBlock on empty inbox, got %v", err)
	}
}

func TestFakeSocketRespectsOpenLimit(t *testing.T) {
	reg := NewFakeRegistry()
	s := reg.Socket()
	for i := 0; i < MaxFakeSocketsPerRegistry; i++ {
		if _, err := s.Open(FamilyInet, TypeDgram, 0); err != nil {
			t.Fatalf("unexpected error opening socket %d: %v", i, err)
		}
	}
	if _, err := s.Open(FamilyInet, TypeDgram, 0); err != ErrTooManyOpen {
		t.Errorf("expected ErrTooManyOpen, got %v", err)
	}
}

func TestFakeSocketDuplicateBindRejected(t *testing.T) {
	reg := NewFakeRegistry()
	s := reg.Socket()
	id1, _ := s.Open(FamilyInet, TypeDgram, 0)
	id2, _ := s.Open(FamilyInet, TypeDgram, 0)

	addr := netaddr.NewVirtual(9)
	if err := s.Bind(id1, addr); err != nil {
		t.Fatal(err)
	}
	if err := s.Bind(id2, addr); err != ErrAddressInUse {
		t.Errorf("expected ErrAddressInUse, got %v", err)
	}
}

func TestFakeSocketSendToUnboundDestDoesNotBlock(t *testing.T) {
	reg := NewFakeRegistry()
	s := reg.Socket()
	id, _ := s.Open(FamilyInet, TypeDgram, 0)
	_ = s.Bind(id, netaddr.NewVirtual(1))

	n, err := s.SendTo(id, []byte("nobody listens"), netaddr.NewVirtual(999))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("nobody listens") {
		t.Errorf("unexpected byte count: %d", n)
	}
}

func TestFakeSocketCloseThenRecv(t *testing.T) {
	reg := NewFakeRegistry()
	s := reg.Socket()
	id, _ := s.Open(FamilyInet, TypeDgram, 0)
	_ = s.Bind(id, netaddr.NewVirtual(1))
	if err := s.Close(id); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := s.Recv(id, make([]byte, 16)); err != ErrNotASocket {
		t.Errorf("expected ErrNotASocket after close, got %v", err)
	}
}
