package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"Go2NetStreamer/pkg/flow"
)

// FlowRecord is the flat, serializable form of a terminated flow shared by
// the writers.
type FlowRecord struct {
	FlowID          uint64
	SrcIP           string
	DstIP           string
	SrcPort         uint16
	DstPort         uint16
	Protocol        uint8
	VLANID          uint16
	IPVersion       uint8
	FirstSeen       time.Time
	LastSeen        time.Time
	SrcToDstPackets uint64
	SrcToDstBytes   uint64
	DstToSrcPackets uint64
	DstToSrcBytes   uint64
	Application     string
	Category        string
	EndReason       string
	Attributes      map[string]string
}

// NewFlowRecord flattens a flow. Attribute values are rendered as text.
func NewFlowRecord(f *flow.Flow) FlowRecord {
	rec := FlowRecord{
		FlowID:          f.ID,
		SrcIP:           f.SrcIP.String(),
		DstIP:           f.DstIP.String(),
		SrcPort:         f.SrcPort,
		DstPort:         f.DstPort,
		Protocol:        f.Protocol,
		VLANID:          f.VLANID,
		IPVersion:       f.IPVersion,
		FirstSeen:       f.FirstSeen,
		LastSeen:        f.LastSeen,
		SrcToDstPackets: f.SrcToDst.Packets,
		SrcToDstBytes:   f.SrcToDst.Bytes,
		DstToSrcPackets: f.DstToSrc.Packets,
		DstToSrcBytes:   f.DstToSrc.Bytes,
		Application:     f.Application,
		Category:        f.Category,
		EndReason:       f.EndReason.String(),
	}
	if len(f.Attributes) > 0 {
		rec.Attributes = make(map[string]string, len(f.Attributes))
		for name, value := range f.Attributes {
			rec.Attributes[name] = fmt.Sprint(value)
		}
	}
	return rec
}

// Packets returns the packet count of both directions.
func (r FlowRecord) Packets() uint64 { return r.SrcToDstPackets + r.DstToSrcPackets }

// Bytes returns the byte count of both directions.
func (r FlowRecord) Bytes() uint64 { return r.SrcToDstBytes + r.DstToSrcBytes }

// Line renders the record on a single line.
func (r FlowRecord) Line() string {
	app := r.Application
	if app == "" {
		app = "Unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s - #%d %s:%d -> %s:%d, Proto: %d, App: %s, Pkts: %d/%d, Bytes: %d/%d, Dur: %s, End: %s",
		r.FirstSeen.Format("2006-01-02 15:04:05.000"),
		r.FlowID, r.SrcIP, r.SrcPort, r.DstIP, r.DstPort, r.Protocol, app,
		r.SrcToDstPackets, r.DstToSrcPackets, r.SrcToDstBytes, r.DstToSrcBytes,
		r.LastSeen.Sub(r.FirstSeen), r.EndReason)

	names := make([]string, 0, len(r.Attributes))
	for name := range r.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, ", %s=%s", name, r.Attributes[name])
	}
	return b.String()
}
