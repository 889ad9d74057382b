package flow

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// RawPacket is one captured frame as produced by a Source.
type RawPacket struct {
	Data        []byte
	CaptureInfo gopacket.CaptureInfo
	LinkType    layers.LinkType
}

// Source is the capture collaborator. Next blocks until a packet is available
// and returns io.EOF once the capture is exhausted.
type Source interface {
	Next() (*RawPacket, error)
	LinkType() layers.LinkType
	// Live reports whether packets come from a network interface rather than a file.
	Live() bool
	Close() error
}
