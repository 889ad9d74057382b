package pcap

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultSnapshotLength is used when no snapshot length is configured.
const DefaultSnapshotLength int32 = 65535

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// packetReader is satisfied by both pcapgo readers and libpcap handles.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Reader reads packets from a recorded capture file.
type Reader struct {
	file     *os.File
	reader   packetReader
	linkType layers.LinkType
	snaplen  int
}

// Open resolves a source descriptor: an existing file is replayed, anything else
// is treated as a network interface name. An empty descriptor selects the
// first capture device of the host.
func Open(descriptor string, snaplen int32) (flow.Source, error) {
	if snaplen <= 0 {
		snaplen = DefaultSnapshotLength
	}
	if fi, err := os.Stat(descriptor); err == nil && !fi.IsDir() {
		return NewReader(descriptor, snaplen)
	}
	if looksLikeFile(descriptor) {
		return nil, flow.NewSetupError("open source "+descriptor, flow.ErrSourceNotFound)
	}
	return OpenLive(descriptor, snaplen)
}

func looksLikeFile(descriptor string) bool {
	switch strings.ToLower(filepath.Ext(descriptor)) {
	case ".pcap", ".pcapng", ".cap", ".dmp":
		return true
	}
	return strings.ContainsRune(descriptor, os.PathSeparator)
}

// NewReader creates a new pcap reader for the given file path. Both pcap and
// pcapng files are accepted.
func NewReader(filePath string, snaplen int32) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, flow.NewSetupError("open source "+filePath, flow.ErrSourceNotFound)
		}
		return nil, flow.NewSetupError("open source "+filePath, errors.Wrap(flow.ErrSourceUnavailable, err.Error()))
	}

	buffered := bufio.NewReader(file)
	magic, err := buffered.Peek(4)
	if err != nil {
		file.Close()
		return nil, flow.NewSetupError("read header of "+filePath, errors.Wrap(flow.ErrInvalidSource, err.Error()))
	}

	r := &Reader{file: file, snaplen: int(snaplen)}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(buffered, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			file.Close()
			return nil, flow.NewSetupError("read header of "+filePath, errors.Wrap(flow.ErrInvalidSource, err.Error()))
		}
		r.reader, r.linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(buffered)
		if err != nil {
			file.Close()
			return nil, flow.NewSetupError("read header of "+filePath, errors.Wrap(flow.ErrInvalidSource, err.Error()))
		}
		r.reader, r.linkType = pr, pr.LinkType()
	}

	log.WithFields(log.Fields{"path": filePath, "link_type": r.linkType}).Info("Opened capture file")
	return r, nil
}

// Next returns the next packet of the file, or io.EOF when all packets were read.
func (r *Reader) Next() (*flow.RawPacket, error) {
	data, ci, err := r.reader.ReadPacketData()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read packet")
	}
	if len(data) > r.snaplen {
		data = data[:r.snaplen]
		ci.CaptureLength = r.snaplen
	}
	return &flow.RawPacket{Data: data, CaptureInfo: ci, LinkType: r.linkType}, nil
}

// LinkType returns the link type declared in the file header.
func (r *Reader) LinkType() layers.LinkType { return r.linkType }

// Live is false for recorded captures.
func (r *Reader) Live() bool { return false }

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
