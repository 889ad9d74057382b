package protocol

import (
	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

var decodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

// ParsePacket uses gopacket to decode a captured frame and extract the
// metadata the flow cache needs. Frames without an IP layer, or whose
// transport header is cut short, are rejected with a *flow.PacketError.
func ParsePacket(raw *flow.RawPacket) (*flow.PacketInfo, error) {
	packet := gopacket.NewPacket(raw.Data, raw.LinkType, decodeOptions)

	info := &flow.PacketInfo{
		Timestamp:     raw.CaptureInfo.Timestamp,
		Length:        raw.CaptureInfo.Length,
		CaptureLength: len(raw.Data),
	}
	if info.Length == 0 {
		info.Length = len(raw.Data)
	}

	if l := packet.Layer(layers.LayerTypeDot1Q); l != nil {
		info.VLANID = l.(*layers.Dot1Q).VLANIdentifier
	}

	var fiveTuple flow.FiveTuple
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.Protocol)
		info.IPVersion = 4
	case *layers.IPv6:
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.NextHeader)
		info.IPVersion = 6
	default:
		if el := packet.ErrorLayer(); el != nil {
			return nil, &flow.PacketError{Length: info.Length, Err: errors.Wrap(flow.ErrMalformedPacket, el.Error().Error())}
		}
		return nil, &flow.PacketError{Length: info.Length, Err: errors.Wrap(flow.ErrUnsupportedPacket, "no IP layer")}
	}

	transport := packet.TransportLayer()
	if transport != nil && !transportIntact(packet, transport) {
		return nil, &flow.PacketError{Length: info.Length, Err: errors.Wrapf(flow.ErrMalformedPacket, "truncated %s header", transport.LayerType())}
	}

	switch t := transport.(type) {
	case *layers.TCP:
		fiveTuple.SrcPort = uint16(t.SrcPort)
		fiveTuple.DstPort = uint16(t.DstPort)
		fiveTuple.Protocol = uint8(layers.IPProtocolTCP)
		info.TCPFlags = tcpFlags(t)
		info.Payload = t.Payload
	case *layers.UDP:
		fiveTuple.SrcPort = uint16(t.SrcPort)
		fiveTuple.DstPort = uint16(t.DstPort)
		fiveTuple.Protocol = uint8(layers.IPProtocolUDP)
		info.Payload = t.Payload
	default:
		// A TCP or UDP datagram whose header could not be decoded is truncated.
		proto := layers.IPProtocol(fiveTuple.Protocol)
		if proto == layers.IPProtocolTCP || proto == layers.IPProtocolUDP {
			return nil, &flow.PacketError{Length: info.Length, Err: errors.Wrapf(flow.ErrMalformedPacket, "truncated %s header", proto)}
		}
		if l := packet.Layer(layers.LayerTypeICMPv6); l != nil {
			fiveTuple.Protocol = uint8(layers.IPProtocolICMPv6)
		}
	}

	info.FiveTuple = fiveTuple
	return info, nil
}

// transportIntact decodes the transport header again from the bytes its
// decoder was given. gopacket registers the transport layer before checking
// its decode error, so a cut header still shows up as a zeroed layer.
func transportIntact(packet gopacket.Packet, transport gopacket.Layer) bool {
	ls := packet.Layers()
	var data []byte
	for i, l := range ls {
		if l == transport && i > 0 {
			data = ls[i-1].LayerPayload()
			break
		}
	}

	var err error
	switch transport.(type) {
	case *layers.TCP:
		err = (&layers.TCP{}).DecodeFromBytes(data, gopacket.NilDecodeFeedback)
	case *layers.UDP:
		err = (&layers.UDP{}).DecodeFromBytes(data, gopacket.NilDecodeFeedback)
	}
	return err == nil
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	if t.FIN {
		f |= flow.FlagFIN
	}
	if t.SYN {
		f |= flow.FlagSYN
	}
	if t.RST {
		f |= flow.FlagRST
	}
	if t.PSH {
		f |= flow.FlagPSH
	}
	if t.ACK {
		f |= flow.FlagACK
	}
	if t.URG {
		f |= flow.FlagURG
	}
	return f
}
