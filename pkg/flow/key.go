package flow

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"
)

// Direction tells how a packet travels relative to the canonical endpoints of its Key.
type Direction uint8

const (
	// Forward means the packet travels from endpoint A to endpoint B.
	Forward Direction = iota
	// Reverse means the packet travels from endpoint B to endpoint A.
	Reverse
)

// Key is the order-independent identity of a bidirectional flow. Endpoint A is
// always the (address, port) pair that compares lower, so both directions of a
// conversation map to the same Key.
type Key struct {
	AddrA    [16]byte
	AddrB    [16]byte
	PortA    uint16
	PortB    uint16
	Protocol uint8
	VLANID   uint16
}

// NewKey canonicalizes a 5-tuple and returns the key together with the
// direction of the packet that carried it.
func NewKey(ft FiveTuple, vlanID uint16) (Key, Direction) {
	src, dst := addr16(ft.SrcIP), addr16(ft.DstIP)
	k := Key{Protocol: ft.Protocol, VLANID: vlanID}
	if endpointLess(src, ft.SrcPort, dst, ft.DstPort) {
		k.AddrA, k.PortA = src, ft.SrcPort
		k.AddrB, k.PortB = dst, ft.DstPort
		return k, Forward
	}
	k.AddrA, k.PortA = dst, ft.DstPort
	k.AddrB, k.PortB = src, ft.SrcPort
	return k, Reverse
}

// endpointLess orders endpoints by address bytes, then port. Equal endpoints
// count as ordered so a flow to itself stays Forward in both directions.
func endpointLess(a [16]byte, pa uint16, b [16]byte, pb uint16) bool {
	if c := bytes.Compare(a[:], b[:]); c != 0 {
		return c < 0
	}
	return pa <= pb
}

func addr16(ip net.IP) (a [16]byte) {
	if v := ip.To16(); v != nil {
		copy(a[:], v)
	}
	return a
}

// Hash returns the xxhash of the key folded to 32 bits. It picks the table
// bucket.
func (k Key) Hash() uint32 {
	var buf [39]byte
	copy(buf[0:16], k.AddrA[:])
	copy(buf[16:32], k.AddrB[:])
	binary.BigEndian.PutUint16(buf[32:], k.PortA)
	binary.BigEndian.PutUint16(buf[34:], k.PortB)
	buf[36] = k.Protocol
	binary.BigEndian.PutUint16(buf[37:], k.VLANID)

	h := xxhash.Sum64(buf[:])
	return uint32(h ^ h>>32)
}

// EndpointA returns the address of the lower endpoint.
func (k Key) EndpointA() net.IP { return unmap(k.AddrA) }

// EndpointB returns the address of the higher endpoint.
func (k Key) EndpointB() net.IP { return unmap(k.AddrB) }

func unmap(a [16]byte) net.IP {
	ip := net.IP(append([]byte(nil), a[:]...))
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func (k Key) String() string {
	s := fmt.Sprintf("%s:%d<->%s:%d/%d", k.EndpointA(), k.PortA, k.EndpointB(), k.PortB, k.Protocol)
	if k.VLANID != 0 {
		s += fmt.Sprintf(" vlan=%d", k.VLANID)
	}
	return s
}
