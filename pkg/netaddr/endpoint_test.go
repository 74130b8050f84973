package netaddr

import (
	"net"
	"testing"
)

func TestEndpointEquality(t *testing.T) {
	a := NewIPv4([4]byte{10, 0, 0, 1}, 7000)
	b := NewIPv4([4]byte{10, 0, 0, 1}, 7000)
	c := NewIPv4([4]byte{10, 0, 0, 2}, 7000)

	if !a.Equal(b) {
		t.Errorf("expected %v == %v", a, b)
	}
	if a.Equal(c) {
		t.Errorf("expected %v != %v", a, c)
	}
}

func TestEndpointKinds(t *testing.T) {
	v := NewVirtual(42)
	if v.Kind() != KindVirtual || v.VirtualID() != 42 {
		t.Errorf("unexpected virtual endpoint: %+v", v)
	}

	ble := NewBLE(0xdeadbeef)
	if ble.Kind() != KindBLE || ble.BLEID() != 0xdeadbeef {
		t.Errorf("unexpected BLE endpoint: %+v", ble)
	}

	if !None.IsNone() {
		t.Error("expected None.IsNone() to be true")
	}
}

func TestEndpointFromUDPAddr(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 9001}
	e := FromUDPAddr(addr)
	if e.Kind() != KindIPv4 {
		t.Fatalf("expected IPv4 kind, got %s", e.Kind())
	}
	if e.String() != "192.168.1.5:9001" {
		t.Errorf("unexpected string form: %s", e.String())
	}
	back := e.UDPAddr()
	if back.Port != 9001 || !back.IP.Equal(addr.IP) {
		t.Errorf("round-trip mismatch: %v", back)
	}
}

func TestEndpointAsMapKey(t *testing.T) {
	m := make(map[Endpoint]int)
	m[NewVirtual(1)] = 100
	m[NewVirtual(2)] = 200

	if m[NewVirtual(1)] != 100 {
		t.Error("expected endpoint to work as a map key")
	}
}

func TestConnectionIDString(t *testing.T) {
	if Unspecified.String() != "unspecified" {
		t.Errorf("unexpected Unspecified string: %s", Unspecified.String())
	}
	id := ConnectionID(5)
	if id.String() != "#5" {
		t.Errorf("unexpected ConnectionID string: %s", id.String())
	}
}
