package flow

import (
	"fmt"
	"net"
	"time"
)

// EndReason records why a flow was terminated.
type EndReason uint8

const (
	EndReasonNone EndReason = iota
	EndReasonIdle
	EndReasonActive
	// EndReasonEndOfFlow is a protocol-signaled close, e.g. TCP FIN/RST.
	EndReasonEndOfFlow
	// EndReasonEndOfStream is used for flows flushed when the capture ends or is interrupted.
	EndReasonEndOfStream
)

func (r EndReason) String() string {
	switch r {
	case EndReasonIdle:
		return "IdleTimeout"
	case EndReasonActive:
		return "ActiveTimeout"
	case EndReasonEndOfFlow:
		return "EndOfFlow"
	case EndReasonEndOfStream:
		return "EndOfStream"
	default:
		return "None"
	}
}

// ParseEndReason is the inverse of EndReason.String.
func ParseEndReason(s string) EndReason {
	for r := EndReasonIdle; r <= EndReasonEndOfStream; r++ {
		if r.String() == s {
			return r
		}
	}
	return EndReasonNone
}

// Counters holds the packet and byte totals of one direction.
type Counters struct {
	Packets uint64
	Bytes   uint64
}

// TCPFlags counts how many packets of the flow carried each flag.
type TCPFlags struct {
	SYN uint32
	ACK uint32
	FIN uint32
	RST uint32
	PSH uint32
	URG uint32
}

// Stats is the core state of a flow maintained by the engine. Plugins may read
// it, but a failing plugin never leaves its modifications behind.
type Stats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	SrcToDst  Counters
	DstToSrc  Counters
	TCPFlags  TCPFlags
	// FIN observed from the client and from the server.
	FinSrcToDst bool
	FinDstToSrc bool
}

// Dissection tracks the built-in protocol identification of a flow.
type Dissection struct {
	Attempts uint32
	Done     bool
	// Guessed is set when the application was inferred from ports at expiry.
	Guessed bool
}

// Flow is a bidirectional flow record. The source side is the endpoint that
// sent the first packet.
type Flow struct {
	ID        uint64
	Key       Key
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	VLANID    uint16
	IPVersion uint8
	// Origin is the canonical direction of the first packet.
	Origin Direction

	Stats

	Application string
	Category    string
	Dissection  Dissection
	Attributes  map[string]any
	EndReason   EndReason
}

// Init orients a freshly created flow on its first packet.
func (f *Flow) Init(pkt *PacketInfo, dir Direction) {
	f.SrcIP = pkt.FiveTuple.SrcIP
	f.DstIP = pkt.FiveTuple.DstIP
	f.SrcPort = pkt.FiveTuple.SrcPort
	f.DstPort = pkt.FiveTuple.DstPort
	f.Protocol = pkt.FiveTuple.Protocol
	f.VLANID = pkt.VLANID
	f.IPVersion = pkt.IPVersion
	f.Origin = dir
}

// Account adds a packet to the flow counters and returns true when the packet
// travels from source to destination.
func (f *Flow) Account(pkt *PacketInfo, dir Direction) bool {
	srcToDst := dir == f.Origin
	c := &f.DstToSrc
	if srcToDst {
		c = &f.SrcToDst
	}
	c.Packets++
	c.Bytes += uint64(pkt.Length)

	if pkt.Timestamp.After(f.LastSeen) {
		f.LastSeen = pkt.Timestamp
	}

	if pkt.TCPFlags != 0 {
		f.countFlags(pkt.TCPFlags)
		if pkt.TCPFlags&FlagFIN != 0 {
			if srcToDst {
				f.FinSrcToDst = true
			} else {
				f.FinDstToSrc = true
			}
		}
	}
	return srcToDst
}

func (f *Flow) countFlags(flags uint8) {
	if flags&FlagSYN != 0 {
		f.TCPFlags.SYN++
	}
	if flags&FlagACK != 0 {
		f.TCPFlags.ACK++
	}
	if flags&FlagFIN != 0 {
		f.TCPFlags.FIN++
	}
	if flags&FlagRST != 0 {
		f.TCPFlags.RST++
	}
	if flags&FlagPSH != 0 {
		f.TCPFlags.PSH++
	}
	if flags&FlagURG != 0 {
		f.TCPFlags.URG++
	}
}

// TotalPackets returns the packet count of both directions.
func (f *Flow) TotalPackets() uint64 {
	return f.SrcToDst.Packets + f.DstToSrc.Packets
}

// TotalBytes returns the byte count of both directions.
func (f *Flow) TotalBytes() uint64 {
	return f.SrcToDst.Bytes + f.DstToSrc.Bytes
}

// Duration returns the time between the first and the last packet.
func (f *Flow) Duration() time.Duration {
	return f.LastSeen.Sub(f.FirstSeen)
}

// Set stores a named attribute on the flow.
func (f *Flow) Set(name string, value any) {
	if f.Attributes == nil {
		f.Attributes = make(map[string]any)
	}
	f.Attributes[name] = value
}

// Get returns a named attribute.
func (f *Flow) Get(name string) (any, bool) {
	v, ok := f.Attributes[name]
	return v, ok
}

func (f *Flow) String() string {
	app := f.Application
	if app == "" {
		app = "Unknown"
	}
	return fmt.Sprintf("Flow(id=%d, %s:%d -> %s:%d, proto=%d, app=%s, packets=%d/%d, bytes=%d/%d, first=%s, last=%s, reason=%s)",
		f.ID, f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.Protocol, app,
		f.SrcToDst.Packets, f.DstToSrc.Packets, f.SrcToDst.Bytes, f.DstToSrc.Bytes,
		f.FirstSeen.Format(time.RFC3339Nano), f.LastSeen.Format(time.RFC3339Nano), f.EndReason)
}
