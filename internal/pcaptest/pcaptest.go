// Package pcaptest builds deterministic captures for tests and the pcapgen script.
package pcaptest

import (
	"net"
	"os"
	"time"

	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// Packet describes one frame to synthesize.
type Packet struct {
	Timestamp time.Time
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	// Protocol is layers.IPProtocolTCP or layers.IPProtocolUDP.
	Protocol layers.IPProtocol
	VLANID   uint16
	Flags    uint8
	Payload  []byte
}

// Build serializes the packet as an Ethernet frame.
func Build(p Packet) ([]byte, error) {
	src, dst := net.ParseIP(p.SrcIP), net.ParseIP(p.DstIP)
	if src == nil || dst == nil {
		return nil, errors.Errorf("invalid addresses %q -> %q", p.SrcIP, p.DstIP)
	}
	v6 := src.To4() == nil

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	if v6 {
		eth.EthernetType = layers.EthernetTypeIPv6
	}

	var stack []gopacket.SerializableLayer
	if p.VLANID != 0 {
		dot1q := &layers.Dot1Q{VLANIdentifier: p.VLANID, Type: eth.EthernetType}
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, eth, dot1q)
	} else {
		stack = append(stack, eth)
	}

	var network gopacket.NetworkLayer
	if v6 {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, SrcIP: src, DstIP: dst, NextHeader: p.Protocol}
		network = ip
		stack = append(stack, ip)
	} else {
		ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: src.To4(), DstIP: dst.To4(), Protocol: p.Protocol}
		network = ip
		stack = append(stack, ip)
	}

	switch p.Protocol {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.SrcPort),
			DstPort: layers.TCPPort(p.DstPort),
			Seq:     1,
			Window:  14600,
			FIN:     p.Flags&flow.FlagFIN != 0,
			SYN:     p.Flags&flow.FlagSYN != 0,
			RST:     p.Flags&flow.FlagRST != 0,
			PSH:     p.Flags&flow.FlagPSH != 0,
			ACK:     p.Flags&flow.FlagACK != 0,
			URG:     p.Flags&flow.FlagURG != 0,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, tcp)
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.SrcPort), DstPort: layers.UDPPort(p.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, udp)
	default:
		return nil, errors.Errorf("unsupported protocol %v", p.Protocol)
	}
	stack = append(stack, gopacket.Payload(p.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, errors.Wrap(err, "serialize layers")
	}
	return buf.Bytes(), nil
}

// Raw builds the packet and wraps it as a captured frame.
func Raw(p Packet) (*flow.RawPacket, error) {
	data, err := Build(p)
	if err != nil {
		return nil, err
	}
	return &flow.RawPacket{
		Data:        data,
		CaptureInfo: gopacket.CaptureInfo{Timestamp: p.Timestamp, CaptureLength: len(data), Length: len(data)},
		LinkType:    layers.LinkTypeEthernet,
	}, nil
}

// WriteFile writes the packets to a pcap file and returns the sum of their lengths.
func WriteFile(path string, packets []Packet) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return 0, errors.Wrap(err, "write pcap header")
	}

	total := 0
	for _, p := range packets {
		data, err := Build(p)
		if err != nil {
			return 0, err
		}
		ci := gopacket.CaptureInfo{Timestamp: p.Timestamp, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			return 0, errors.Wrap(err, "write packet")
		}
		total += len(data)
	}
	return total, nil
}
