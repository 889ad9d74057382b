package output

import (
	"fmt"
	"net"
	"time"

	"Go2NetStreamer/pkg/flow"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a flow record into its wire form. Timestamps are RFC 3339
// strings with nanoseconds. Attribute values that have no protobuf
// representation are sent as their fmt.Sprint text.
func Encode(f *flow.Flow) (*structpb.Struct, error) {
	attrs := make(map[string]any, len(f.Attributes))
	for name, value := range f.Attributes {
		if _, err := structpb.NewValue(value); err != nil {
			value = fmt.Sprint(value)
		}
		attrs[name] = value
	}

	s, err := structpb.NewStruct(map[string]any{
		"id":              f.ID,
		"src_ip":          ipString(f.SrcIP),
		"dst_ip":          ipString(f.DstIP),
		"src_port":        uint32(f.SrcPort),
		"dst_port":        uint32(f.DstPort),
		"protocol":        uint32(f.Protocol),
		"vlan_id":         uint32(f.VLANID),
		"ip_version":      uint32(f.IPVersion),
		"first_seen":      f.FirstSeen.Format(time.RFC3339Nano),
		"last_seen":       f.LastSeen.Format(time.RFC3339Nano),
		"src2dst_packets": f.SrcToDst.Packets,
		"src2dst_bytes":   f.SrcToDst.Bytes,
		"dst2src_packets": f.DstToSrc.Packets,
		"dst2src_bytes":   f.DstToSrc.Bytes,
		"tcp_flags": map[string]any{
			"syn": f.TCPFlags.SYN,
			"ack": f.TCPFlags.ACK,
			"fin": f.TCPFlags.FIN,
			"rst": f.TCPFlags.RST,
			"psh": f.TCPFlags.PSH,
			"urg": f.TCPFlags.URG,
		},
		"fin_src2dst":         f.FinSrcToDst,
		"fin_dst2src":         f.FinDstToSrc,
		"application":         f.Application,
		"category":            f.Category,
		"dissection_attempts": f.Dissection.Attempts,
		"dissection_done":     f.Dissection.Done,
		"dissection_guessed":  f.Dissection.Guessed,
		"attributes":          attrs,
		"end_reason":          f.EndReason.String(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode flow %d", f.ID)
	}
	return s, nil
}

// Decode rebuilds a flow record from its wire form. The canonical key is
// recomputed from the endpoints.
func Decode(s *structpb.Struct) (*flow.Flow, error) {
	fields := s.GetFields()
	f := &flow.Flow{
		ID:          uint64(number(fields, "id")),
		SrcIP:       net.ParseIP(text(fields, "src_ip")),
		DstIP:       net.ParseIP(text(fields, "dst_ip")),
		SrcPort:     uint16(number(fields, "src_port")),
		DstPort:     uint16(number(fields, "dst_port")),
		Protocol:    uint8(number(fields, "protocol")),
		VLANID:      uint16(number(fields, "vlan_id")),
		IPVersion:   uint8(number(fields, "ip_version")),
		Application: text(fields, "application"),
		Category:    text(fields, "category"),
		EndReason:   flow.ParseEndReason(text(fields, "end_reason")),
	}

	var err error
	if f.FirstSeen, err = time.Parse(time.RFC3339Nano, text(fields, "first_seen")); err != nil {
		return nil, errors.Wrap(err, "decode first_seen")
	}
	if f.LastSeen, err = time.Parse(time.RFC3339Nano, text(fields, "last_seen")); err != nil {
		return nil, errors.Wrap(err, "decode last_seen")
	}

	f.SrcToDst = flow.Counters{Packets: uint64(number(fields, "src2dst_packets")), Bytes: uint64(number(fields, "src2dst_bytes"))}
	f.DstToSrc = flow.Counters{Packets: uint64(number(fields, "dst2src_packets")), Bytes: uint64(number(fields, "dst2src_bytes"))}
	flags := fields["tcp_flags"].GetStructValue().GetFields()
	f.TCPFlags = flow.TCPFlags{
		SYN: uint32(number(flags, "syn")),
		ACK: uint32(number(flags, "ack")),
		FIN: uint32(number(flags, "fin")),
		RST: uint32(number(flags, "rst")),
		PSH: uint32(number(flags, "psh")),
		URG: uint32(number(flags, "urg")),
	}
	f.FinSrcToDst = fields["fin_src2dst"].GetBoolValue()
	f.FinDstToSrc = fields["fin_dst2src"].GetBoolValue()
	f.Dissection = flow.Dissection{
		Attempts: uint32(number(fields, "dissection_attempts")),
		Done:     fields["dissection_done"].GetBoolValue(),
		Guessed:  fields["dissection_guessed"].GetBoolValue(),
	}
	if attrs := fields["attributes"].GetStructValue(); attrs != nil && len(attrs.GetFields()) > 0 {
		f.Attributes = attrs.AsMap()
	}

	ft := flow.FiveTuple{SrcIP: f.SrcIP, DstIP: f.DstIP, SrcPort: f.SrcPort, DstPort: f.DstPort, Protocol: f.Protocol}
	f.Key, f.Origin = flow.NewKey(ft, f.VLANID)
	return f, nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func number(fields map[string]*structpb.Value, name string) float64 {
	return fields[name].GetNumberValue()
}

func text(fields map[string]*structpb.Value, name string) string {
	return fields[name].GetStringValue()
}
