// Package dissect provides the built-in protocol identification stage.
package dissect

import (
	"bytes"
	"strings"

	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Classification is the verdict of an Identifier for one packet.
type Classification struct {
	Application string
	Category    string
	// Done tells the stage that no further packets need inspection.
	Done       bool
	Attributes map[string]any
}

// Identifier inspects one packet given the state accumulated on its flow.
type Identifier interface {
	Identify(pkt *flow.PacketInfo, state *flow.Flow) Classification
}

// IdentifierFunc adapts a function to the Identifier interface.
type IdentifierFunc func(pkt *flow.PacketInfo, state *flow.Flow) Classification

func (fn IdentifierFunc) Identify(pkt *flow.PacketInfo, state *flow.Flow) Classification {
	return fn(pkt, state)
}

type layerIdentifier struct{}

// NewIdentifier returns the default identifier. It decodes DNS, DHCPv4, NTP
// and TLS with gopacket and recognizes HTTP and SSH from their payloads.
func NewIdentifier() Identifier { return layerIdentifier{} }

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
}

func (layerIdentifier) Identify(pkt *flow.PacketInfo, _ *flow.Flow) Classification {
	payload := pkt.Payload
	if len(payload) == 0 {
		return Classification{}
	}
	ft := pkt.FiveTuple

	switch layers.IPProtocol(ft.Protocol) {
	case layers.IPProtocolUDP:
		switch {
		case onPort(ft, 53, 5353, 5355):
			return identifyDNS(payload)
		case onPort(ft, 67, 68):
			return identifyDHCP(payload)
		case onPort(ft, 123):
			return identifyNTP(payload)
		}
	case layers.IPProtocolTCP:
		switch {
		case bytes.HasPrefix(payload, []byte("SSH-")):
			return identifySSH(payload)
		case isHTTP(payload):
			return identifyHTTP(payload)
		case len(payload) > 5 && payload[0] == 0x16 && payload[1] == 0x03:
			return identifyTLS(payload)
		case onPort(ft, 53):
			// DNS over TCP carries a two byte length prefix.
			if len(payload) > 2 {
				return identifyDNS(payload[2:])
			}
		}
	}
	return Classification{}
}

func onPort(ft flow.FiveTuple, ports ...uint16) bool {
	for _, p := range ports {
		if ft.SrcPort == p || ft.DstPort == p {
			return true
		}
	}
	return false
}

func isHTTP(payload []byte) bool {
	if bytes.HasPrefix(payload, []byte("HTTP/1.")) {
		return true
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, m) {
			return true
		}
	}
	return false
}

func identifyDNS(payload []byte) Classification {
	dns := &layers.DNS{}
	if err := dns.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return Classification{}
	}
	c := Classification{Application: "DNS", Category: "Network"}
	if len(dns.Questions) > 0 {
		c.Attributes = map[string]any{"dns.query": string(dns.Questions[0].Name)}
		c.Done = true
	}
	return c
}

func identifyDHCP(payload []byte) Classification {
	dhcp := &layers.DHCPv4{}
	if err := dhcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return Classification{}
	}
	c := Classification{Application: "DHCP", Category: "Network", Done: true}
	for _, opt := range dhcp.Options {
		if opt.Type == layers.DHCPOptHostname {
			c.Attributes = map[string]any{"dhcp.hostname": string(opt.Data)}
		}
	}
	return c
}

func identifyNTP(payload []byte) Classification {
	ntp := &layers.NTP{}
	if err := ntp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return Classification{}
	}
	return Classification{Application: "NTP", Category: "System", Done: true}
}

func identifyTLS(payload []byte) Classification {
	tls := &layers.TLS{}
	if err := tls.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil || len(tls.Handshake) == 0 {
		return Classification{}
	}
	return Classification{
		Application: "TLS",
		Category:    "Web",
		Done:        true,
		Attributes:  map[string]any{"tls.version": tls.Handshake[0].Version.String()},
	}
}

func identifyHTTP(payload []byte) Classification {
	c := Classification{Application: "HTTP", Category: "Web"}
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "host") {
			c.Attributes = map[string]any{"http.host": strings.TrimSpace(value)}
			c.Done = true
			break
		}
	}
	return c
}

func identifySSH(payload []byte) Classification {
	banner, _, _ := bytes.Cut(payload, []byte("\n"))
	return Classification{
		Application: "SSH",
		Category:    "RemoteAccess",
		Done:        true,
		Attributes:  map[string]any{"ssh.banner": strings.TrimSpace(string(banner))},
	}
}
