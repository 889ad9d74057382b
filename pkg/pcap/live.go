package pcap

import (
	"io"
	"time"

	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	promiscuous = true
	// readTimeout bounds each libpcap read so a silent interface never holds
	// the handle while Close waits for it.
	readTimeout = 500 * time.Millisecond
)

// packetHandle is the part of *pcap.Handle a LiveSource uses.
type packetHandle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// LiveSource captures packets from a network interface through libpcap.
type LiveSource struct {
	handle packetHandle
	device string
}

// OpenLive opens a device for live capture. Missing devices and missing
// privileges both surface as ErrSourceUnavailable.
func OpenLive(device string, snaplen int32) (*LiveSource, error) {
	if device == "" {
		devs, err := pcap.FindAllDevs()
		if err != nil {
			return nil, flow.NewSetupError("find capture devices", errors.Wrap(flow.ErrSourceUnavailable, err.Error()))
		}
		if len(devs) == 0 {
			return nil, flow.NewSetupError("find capture devices", errors.Wrap(flow.ErrSourceUnavailable, "no device available"))
		}
		device = devs[0].Name
	}

	handle, err := pcap.OpenLive(device, snaplen, promiscuous, readTimeout)
	if err != nil {
		return nil, flow.NewSetupError("open device "+device, errors.Wrap(flow.ErrSourceUnavailable, err.Error()))
	}
	log.Printf("Capture started on device %s", device)
	return &LiveSource{handle: handle, device: device}, nil
}

// Next blocks until a packet arrives on the interface.
func (s *LiveSource) Next() (*flow.RawPacket, error) {
	for {
		data, ci, err := s.handle.ReadPacketData()
		switch {
		case err == nil:
			return &flow.RawPacket{Data: data, CaptureInfo: ci, LinkType: s.handle.LinkType()}, nil
		case err == pcap.NextErrorTimeoutExpired:
			continue
		case err == io.EOF || err == pcap.NextErrorNoMorePackets:
			return nil, io.EOF
		default:
			return nil, errors.Wrapf(err, "read from %s", s.device)
		}
	}
}

// LinkType returns the link type of the device.
func (s *LiveSource) LinkType() layers.LinkType { return s.handle.LinkType() }

// Live is true for interface captures.
func (s *LiveSource) Live() bool { return true }

// Close stops the capture. A pending Next returns io.EOF within one read
// timeout.
func (s *LiveSource) Close() error {
	s.handle.Close()
	return nil
}
