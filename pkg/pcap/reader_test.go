package pcap

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Go2NetStreamer/internal/pcaptest"
	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCapture(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.pcap")
	base := time.Unix(1700000000, 0)
	var pkts []pcaptest.Packet
	for i := 0; i < n; i++ {
		pkts = append(pkts, pcaptest.Packet{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			SrcIP:     "10.0.0.1",
			DstIP:     "10.0.0.2",
			SrcPort:   40000,
			DstPort:   53,
			Protocol:  layers.IPProtocolUDP,
			Payload:   make([]byte, 100),
		})
	}
	_, err := pcaptest.WriteFile(path, pkts)
	require.NoError(t, err)
	return path
}

func TestOpenReadsAllPackets(t *testing.T) {
	path := writeCapture(t, 5)

	src, err := Open(path, 0)
	require.NoError(t, err)
	defer src.Close()

	assert.False(t, src.Live())
	assert.Equal(t, layers.LinkTypeEthernet, src.LinkType())

	count := 0
	for {
		raw, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, raw.CaptureInfo.Length, len(raw.Data))
		count++
	}
	assert.Equal(t, 5, count)
}

func TestSnapshotLengthTruncates(t *testing.T) {
	path := writeCapture(t, 1)

	src, err := Open(path, 40)
	require.NoError(t, err)
	defer src.Close()

	raw, err := src.Next()
	require.NoError(t, err)
	assert.Len(t, raw.Data, 40)
	assert.Equal(t, 40, raw.CaptureInfo.CaptureLength)
	assert.Greater(t, raw.CaptureInfo.Length, 40)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.pcap"), 0)
	require.Error(t, err)
	assert.True(t, flow.IsSetupError(err))
	assert.ErrorIs(t, err, flow.ErrSourceNotFound)
}

func TestOpenInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture file"), 0o644))

	_, err := Open(path, 0)
	require.Error(t, err)
	assert.True(t, flow.IsSetupError(err))
	assert.ErrorIs(t, err, flow.ErrInvalidSource)
}

func TestOpenUnknownDevice(t *testing.T) {
	_, err := Open("ns-streamer-no-such-device0", 0)
	require.Error(t, err)
	assert.True(t, flow.IsSetupError(err))
	assert.ErrorIs(t, err, flow.ErrSourceUnavailable)
}
