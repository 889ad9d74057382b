package dissect

import "Go2NetStreamer/pkg/flow"

type service struct {
	application string
	category    string
}

var tcpServices = map[uint16]service{
	21:   {"FTP", "Download"},
	22:   {"SSH", "RemoteAccess"},
	23:   {"Telnet", "RemoteAccess"},
	25:   {"SMTP", "Email"},
	80:   {"HTTP", "Web"},
	110:  {"POP3", "Email"},
	143:  {"IMAP", "Email"},
	443:  {"TLS", "Web"},
	3306: {"MySQL", "Database"},
	3389: {"RDP", "RemoteAccess"},
	4222: {"NATS", "Messaging"},
	5432: {"PostgreSQL", "Database"},
	6379: {"Redis", "Database"},
	8080: {"HTTP", "Web"},
	9000: {"ClickHouse", "Database"},
}

var udpServices = map[uint16]service{
	53:   {"DNS", "Network"},
	67:   {"DHCP", "Network"},
	68:   {"DHCP", "Network"},
	123:  {"NTP", "System"},
	161:  {"SNMP", "Network"},
	443:  {"QUIC", "Web"},
	514:  {"Syslog", "System"},
	5353: {"MDNS", "Network"},
}

// guessByPort infers the application from the well-known port of a flow,
// preferring the destination side.
func guessByPort(f *flow.Flow) (service, bool) {
	var table map[uint16]service
	switch f.Protocol {
	case 6:
		table = tcpServices
	case 17:
		table = udpServices
	case 1:
		return service{"ICMP", "Network"}, true
	case 58:
		return service{"ICMPV6", "Network"}, true
	default:
		return service{}, false
	}
	if s, ok := table[f.DstPort]; ok {
		return s, true
	}
	s, ok := table[f.SrcPort]
	return s, ok
}
