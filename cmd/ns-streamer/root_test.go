package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Go2NetStreamer/internal/pcaptest"
	"Go2NetStreamer/pkg/flow"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.pcap")
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	packets := []pcaptest.Packet{
		{Timestamp: start, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 53, Protocol: layers.IPProtocolUDP},
		{Timestamp: start.Add(1 * time.Second), SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 53, DstPort: 40000, Protocol: layers.IPProtocolUDP},
		{Timestamp: start.Add(2 * time.Second), SrcIP: "10.0.0.3", DstIP: "10.0.0.4", SrcPort: 40001, DstPort: 22, Protocol: layers.IPProtocolTCP, Flags: flow.FlagSYN},
	}
	_, err := pcaptest.WriteFile(path, packets)
	require.NoError(t, err)
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRun_PrintsFlows(t *testing.T) {
	out, err := runCmd(t, "--source", writeTrace(t), "--print", "--log-level", "error")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, out, "10.0.0.1:40000 -> 10.0.0.2:53")
	assert.Contains(t, out, "Pkts: 1/1")
	assert.Contains(t, out, "End: EndOfStream")
}

func TestRun_WritesGobSnapshots(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := `
streamer:
  idle_timeout: "0s"
exporter:
  writers:
    - type: gob
      enabled: true
      snapshot_interval: "0s"
      gob:
        root_path: "` + filepath.Join(dir, "snapshots") + `"
logging:
  level: error
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	out, err := runCmd(t, "--config", cfgPath, "--source", writeTrace(t))
	require.NoError(t, err)
	assert.Empty(t, out)

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = os.Stat(filepath.Join(dir, "snapshots", entries[0].Name(), "flows.dat"))
	assert.NoError(t, err)
}

func TestExitCodes(t *testing.T) {
	_, err := runCmd(t, "--source", filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Equal(t, exitSetup, exitCodeFor(err))

	_, err = runCmd(t, "--source", writeTrace(t), "--transport", "carrier-pigeon")
	assert.Equal(t, exitSetup, exitCodeFor(err))

	_, err = runCmd(t, "--bogus-flag")
	assert.Equal(t, exitSetup, exitCodeFor(err))

	_, err = runCmd(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, exitSetup, exitCodeFor(err))

	assert.Equal(t, exitOK, exitCodeFor(nil))
	assert.Equal(t, exitRuntime, exitCodeFor(errors.New("read failed")))
}
