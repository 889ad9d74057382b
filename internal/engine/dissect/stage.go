package dissect

import (
	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket/layers"
)

const (
	DefaultMaxTCPDissections = 10
	DefaultMaxUDPDissections = 16
)

// Stage is the built-in dissection pipeline stage. It inspects at most
// MaxTCP packets of a TCP flow and MaxUDP packets of any other flow, and stops
// early once the identifier reports the flow as done.
type Stage struct {
	identifier Identifier
	maxTCP     uint32
	maxUDP     uint32
}

// NewStage wraps an identifier. A nil identifier selects NewIdentifier().
func NewStage(identifier Identifier, maxTCP, maxUDP int) *Stage {
	if identifier == nil {
		identifier = NewIdentifier()
	}
	if maxTCP < 0 {
		maxTCP = 0
	}
	if maxUDP < 0 {
		maxUDP = 0
	}
	return &Stage{identifier: identifier, maxTCP: uint32(maxTCP), maxUDP: uint32(maxUDP)}
}

func (s *Stage) Name() string { return "dissector" }

func (s *Stage) OnCreate(pkt *flow.PacketInfo, f *flow.Flow) error {
	s.inspect(pkt, f)
	return nil
}

func (s *Stage) OnUpdate(pkt *flow.PacketInfo, f *flow.Flow) error {
	s.inspect(pkt, f)
	return nil
}

// OnExpire falls back to a port based guess for flows that were never identified.
func (s *Stage) OnExpire(f *flow.Flow) error {
	if f.Application != "" {
		return nil
	}
	if svc, ok := guessByPort(f); ok {
		f.Application = svc.application
		f.Category = svc.category
		f.Dissection.Guessed = true
	}
	return nil
}

func (s *Stage) limit(f *flow.Flow) uint32 {
	if f.Protocol == uint8(layers.IPProtocolTCP) {
		return s.maxTCP
	}
	return s.maxUDP
}

func (s *Stage) inspect(pkt *flow.PacketInfo, f *flow.Flow) {
	if f.Dissection.Done || f.Dissection.Attempts >= s.limit(f) {
		return
	}
	f.Dissection.Attempts++

	c := s.identifier.Identify(pkt, f)
	if c.Application != "" {
		f.Application = c.Application
		f.Category = c.Category
	}
	for name, value := range c.Attributes {
		f.Set(name, value)
	}
	if c.Done {
		f.Dissection.Done = true
	}
}
