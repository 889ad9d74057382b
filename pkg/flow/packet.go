package flow

import (
	"net"
	"time"
)

// TCP flag bits as they appear in the TCP header.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo holds the metadata extracted from a single packet.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	VLANID    uint16
	IPVersion uint8
	// Length is the original wire length of the packet.
	Length        int
	CaptureLength int
	TCPFlags      uint8
	// Payload is the transport payload, empty for packets without one.
	Payload []byte
}

// HasFlag reports whether the TCP flag bit is set on the packet.
func (p *PacketInfo) HasFlag(flag uint8) bool {
	return p.TCPFlags&flag != 0
}
