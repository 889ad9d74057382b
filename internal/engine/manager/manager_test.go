package manager

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"Go2NetStreamer/internal/engine/expiration"
	"Go2NetStreamer/internal/engine/pipeline"
	"Go2NetStreamer/internal/metrics"
	"Go2NetStreamer/internal/output"
	"Go2NetStreamer/internal/pcaptest"
	"Go2NetStreamer/pkg/flow"

	"github.com/benbjohnson/clock"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

// sliceSource replays a fixed list of packets, then reports err or io.EOF.
type sliceSource struct {
	packets []*flow.RawPacket
	next    int
	err     error
}

func (s *sliceSource) Next() (*flow.RawPacket, error) {
	if s.next < len(s.packets) {
		s.next++
		return s.packets[s.next-1], nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}
func (s *sliceSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *sliceSource) Live() bool                { return false }
func (s *sliceSource) Close() error              { return nil }

// chanSource behaves like an interface capture: Next blocks until a packet
// is pushed or the source is closed.
type chanSource struct {
	packets chan *flow.RawPacket
	closed  chan struct{}
	once    sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{packets: make(chan *flow.RawPacket, 16), closed: make(chan struct{})}
}

func (s *chanSource) Next() (*flow.RawPacket, error) {
	select {
	case p := <-s.packets:
		return p, nil
	case <-s.closed:
		return nil, io.EOF
	}
}
func (s *chanSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *chanSource) Live() bool                { return true }
func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func udp(t *testing.T, at time.Duration, src string, sport uint16, dst string, dport uint16) *flow.RawPacket {
	t.Helper()
	raw, err := pcaptest.Raw(pcaptest.Packet{
		Timestamp: t0.Add(at), SrcIP: src, DstIP: dst, SrcPort: sport, DstPort: dport,
		Protocol: layers.IPProtocolUDP, Payload: make([]byte, 32),
	})
	require.NoError(t, err)
	return raw
}

func tcp(t *testing.T, at time.Duration, src string, sport uint16, dst string, dport uint16, flags uint8) *flow.RawPacket {
	t.Helper()
	raw, err := pcaptest.Raw(pcaptest.Packet{
		Timestamp: t0.Add(at), SrcIP: src, DstIP: dst, SrcPort: sport, DstPort: dport,
		Protocol: layers.IPProtocolTCP, Flags: flags,
	})
	require.NoError(t, err)
	return raw
}

func wireBytes(packets []*flow.RawPacket) uint64 {
	var total uint64
	for _, p := range packets {
		total += uint64(p.CaptureInfo.Length)
	}
	return total
}

func run(t *testing.T, cfg Config, src flow.Source, p *pipeline.Pipeline) ([]*flow.Flow, *Manager) {
	t.Helper()
	tx, rx := output.NewMemory(0, output.Unbounded)
	m := NewManager(cfg, src, tx, p, clock.NewMock())
	require.NoError(t, m.Run(context.Background()))
	return drain(t, rx), m
}

func drain(t *testing.T, rx output.Receiver) []*flow.Flow {
	t.Helper()
	var flows []*flow.Flow
	for {
		f, err := rx.Recv(context.Background())
		if err == io.EOF {
			return flows
		}
		require.NoError(t, err)
		flows = append(flows, f)
	}
}

func policy(idle, active time.Duration) Config {
	return Config{Policy: expiration.Policy{IdleTimeout: idle, ActiveTimeout: active}}
}

func TestIdleZeroYieldsOneFlowPerPacket(t *testing.T) {
	var packets []*flow.RawPacket
	for i := 0; i < 25; i++ {
		packets = append(packets, udp(t, time.Duration(i)*time.Millisecond, "10.0.0.1", uint16(1000+i), "10.0.0.2", 53))
	}
	// The same 5-tuple again still ends its own flow.
	packets = append(packets, udp(t, time.Second, "10.0.0.1", 1000, "10.0.0.2", 53))

	flows, m := run(t, policy(0, 300*time.Second), &sliceSource{packets: packets}, nil)

	require.Len(t, flows, len(packets))
	for i, f := range flows {
		assert.Equal(t, uint64(i), f.ID)
		assert.Equal(t, uint64(1), f.TotalPackets())
		assert.Equal(t, flow.EndReasonIdle, f.EndReason)
	}
	assert.Equal(t, uint64(len(packets)), m.Stats().FlowsEmitted)
}

func TestBidirectionalAccounting(t *testing.T) {
	packets := []*flow.RawPacket{
		udp(t, 0, "10.0.0.9", 5000, "10.0.0.1", 53),
		udp(t, time.Millisecond, "10.0.0.1", 53, "10.0.0.9", 5000),
		udp(t, 2*time.Millisecond, "10.0.0.9", 5000, "10.0.0.1", 53),
	}
	flows, _ := run(t, policy(30*time.Second, 0), &sliceSource{packets: packets}, nil)

	require.Len(t, flows, 1)
	f := flows[0]
	assert.Equal(t, "10.0.0.9", f.SrcIP.String())
	assert.Equal(t, uint16(53), f.DstPort)
	assert.Equal(t, uint64(2), f.SrcToDst.Packets)
	assert.Equal(t, uint64(1), f.DstToSrc.Packets)
	assert.Equal(t, t0, f.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Millisecond), f.LastSeen)
	assert.Equal(t, flow.EndReasonEndOfStream, f.EndReason)
}

func TestIdleTimeoutInCaptureTime(t *testing.T) {
	packets := []*flow.RawPacket{
		udp(t, 0, "10.0.0.1", 1111, "10.0.0.2", 53),
		udp(t, 10*time.Second, "10.0.0.3", 2222, "10.0.0.2", 53),
		udp(t, 45*time.Second, "10.0.0.3", 2222, "10.0.0.2", 53),
		// Back after 50s of silence: the first record is gone, a new one starts.
		udp(t, 50*time.Second, "10.0.0.1", 1111, "10.0.0.2", 53),
	}
	flows, _ := run(t, policy(30*time.Second, 0), &sliceSource{packets: packets}, nil)

	require.Len(t, flows, 4)
	// The second flow is re-evaluated when its packet arrives 35s later and
	// terminates before the sweep that catches the first one.
	assert.Equal(t, uint64(1), flows[0].ID)
	assert.Equal(t, flow.EndReasonIdle, flows[0].EndReason)
	assert.Equal(t, uint64(0), flows[1].ID)
	assert.Equal(t, flow.EndReasonIdle, flows[1].EndReason)

	// The returning endpoints start fresh records that live until the end.
	assert.ElementsMatch(t, []uint64{2, 3}, []uint64{flows[2].ID, flows[3].ID})
	for _, f := range flows {
		assert.Equal(t, uint64(1), f.TotalPackets())
	}
	assert.Equal(t, flow.EndReasonEndOfStream, flows[2].EndReason)
	assert.Equal(t, flow.EndReasonEndOfStream, flows[3].EndReason)
}

func TestActiveTimeoutZeroNeverSplitsBusyFlow(t *testing.T) {
	var packets []*flow.RawPacket
	for i := 0; i <= 100; i++ {
		packets = append(packets, udp(t, time.Duration(i)*10*time.Second, "10.0.0.1", 4000, "10.0.0.2", 4001))
	}
	flows, _ := run(t, policy(30*time.Second, 0), &sliceSource{packets: packets}, nil)

	require.Len(t, flows, 1)
	assert.Equal(t, uint64(101), flows[0].TotalPackets())
	assert.Equal(t, 1000*time.Second, flows[0].Duration())
	assert.Equal(t, flow.EndReasonEndOfStream, flows[0].EndReason)
}

func TestActiveTimeoutSplitsLongFlow(t *testing.T) {
	var packets []*flow.RawPacket
	for i := 0; i <= 100; i++ {
		packets = append(packets, udp(t, time.Duration(i)*10*time.Second, "10.0.0.1", 4000, "10.0.0.2", 4001))
	}
	flows, _ := run(t, policy(30*time.Second, 300*time.Second), &sliceSource{packets: packets}, nil)

	require.GreaterOrEqual(t, len(flows), 3)
	var total uint64
	for i, f := range flows {
		total += f.TotalPackets()
		assert.LessOrEqual(t, f.Duration(), 300*time.Second)
		if i < len(flows)-1 {
			assert.Equal(t, flow.EndReasonActive, f.EndReason)
		}
	}
	assert.Equal(t, uint64(101), total)
}

func TestTCPCloseEndsFlow(t *testing.T) {
	c, s := "10.1.1.1", "10.2.2.2"
	packets := []*flow.RawPacket{
		tcp(t, 0, c, 40000, s, 80, flow.FlagSYN),
		tcp(t, 1*time.Millisecond, s, 80, c, 40000, flow.FlagSYN|flow.FlagACK),
		tcp(t, 2*time.Millisecond, c, 40000, s, 80, flow.FlagACK),
		tcp(t, 3*time.Millisecond, c, 40000, s, 80, flow.FlagFIN|flow.FlagACK),
		tcp(t, 4*time.Millisecond, s, 80, c, 40000, flow.FlagFIN|flow.FlagACK),
		tcp(t, 5*time.Millisecond, c, 40000, s, 80, flow.FlagACK),
		// A reset connection on another port.
		tcp(t, 6*time.Millisecond, c, 40001, s, 80, flow.FlagSYN),
		tcp(t, 7*time.Millisecond, s, 80, c, 40001, flow.FlagRST|flow.FlagACK),
		// Still open at the end of the capture.
		tcp(t, 8*time.Millisecond, c, 40002, s, 80, flow.FlagSYN),
	}
	flows, _ := run(t, policy(30*time.Second, 0), &sliceSource{packets: packets}, nil)

	require.Len(t, flows, 3)
	assert.Equal(t, flow.EndReasonEndOfFlow, flows[0].EndReason)
	assert.Equal(t, uint64(6), flows[0].TotalPackets())
	assert.Equal(t, uint32(2), flows[0].TCPFlags.FIN)
	assert.Equal(t, flow.EndReasonEndOfFlow, flows[1].EndReason)
	assert.Equal(t, uint32(1), flows[1].TCPFlags.RST)
	assert.Equal(t, flow.EndReasonEndOfStream, flows[2].EndReason)
}

func TestByteConservation(t *testing.T) {
	var packets []*flow.RawPacket
	for i := 0; i < 200; i++ {
		src := fmt.Sprintf("10.0.%d.%d", i%7, i%13)
		packets = append(packets, udp(t, time.Duration(i)*700*time.Millisecond, src, uint16(2000+i%11), "10.9.9.9", 443))
	}
	junk := &flow.RawPacket{
		Data:        []byte{0xde, 0xad, 0xbe, 0xef},
		CaptureInfo: gopacket.CaptureInfo{Timestamp: t0, CaptureLength: 4, Length: 4},
		LinkType:    layers.LinkTypeEthernet,
	}
	packets = append(packets[:100], append([]*flow.RawPacket{junk}, packets[100:]...)...)

	flows, m := run(t, policy(5*time.Second, 20*time.Second), &sliceSource{packets: packets}, nil)

	var emitted uint64
	for _, f := range flows {
		assert.False(t, f.LastSeen.Before(f.FirstSeen))
		emitted += f.TotalBytes()
	}
	st := m.Stats()
	assert.Equal(t, uint64(1), st.PacketsDropped)
	assert.Equal(t, wireBytes(packets), emitted+st.BytesDropped)
	assert.Equal(t, st.FlowsCreated, st.FlowsEmitted)
	assert.Equal(t, int64(0), st.LiveFlows)
}

func TestDeterministicReplay(t *testing.T) {
	var packets []*flow.RawPacket
	for i := 0; i < 300; i++ {
		packets = append(packets, udp(t, time.Duration(i)*250*time.Millisecond,
			fmt.Sprintf("172.16.%d.%d", i%5, i%17), uint16(3000+i%23), "172.31.0.1", 53))
	}
	signature := func() []string {
		flows, _ := run(t, policy(3*time.Second, 10*time.Second), &sliceSource{packets: packets}, nil)
		var out []string
		for _, f := range flows {
			out = append(out, fmt.Sprintf("%d/%s/%d/%d/%s", f.ID, f.Key, f.TotalPackets(), f.TotalBytes(), f.EndReason))
		}
		return out
	}
	first := signature()
	require.NotEmpty(t, first)
	assert.Equal(t, first, signature())
}

type failingPlugin struct{}

func (failingPlugin) Name() string { return "picky" }
func (failingPlugin) OnUpdate(_ *flow.PacketInfo, f *flow.Flow) error {
	if f.DstPort == 666 {
		f.SrcToDst.Bytes = 0
		return errors.New("refusing port 666")
	}
	return nil
}
func (failingPlugin) OnExpire(f *flow.Flow) error {
	if f.DstPort == 666 {
		panic("expire on a cursed flow")
	}
	f.Set("seen", true)
	return nil
}

func TestFailingPluginIsIsolated(t *testing.T) {
	packets := []*flow.RawPacket{
		udp(t, 0, "10.0.0.1", 1000, "10.0.0.2", 666),
		udp(t, time.Millisecond, "10.0.0.1", 1001, "10.0.0.2", 53),
		udp(t, 2*time.Millisecond, "10.0.0.1", 1000, "10.0.0.2", 666),
		udp(t, 3*time.Millisecond, "10.0.0.1", 1001, "10.0.0.2", 53),
	}
	var failures int
	p := pipeline.New(failingPlugin{})
	p.OnError = func(*flow.DissectionError) { failures++ }

	flows, _ := run(t, policy(30*time.Second, 0), &sliceSource{packets: packets}, p)

	require.Len(t, flows, 2)
	for _, f := range flows {
		assert.Equal(t, uint64(2), f.SrcToDst.Packets)
		assert.Equal(t, 2*uint64(packets[0].CaptureInfo.Length), f.SrcToDst.Bytes)
	}
	for _, f := range flows {
		_, ok := f.Get("seen")
		assert.Equal(t, f.DstPort != 666, ok)
	}
	assert.Equal(t, 2, failures)
}

func TestSourceErrorFlushesAndFails(t *testing.T) {
	src := &sliceSource{
		packets: []*flow.RawPacket{udp(t, 0, "10.0.0.1", 1, "10.0.0.2", 2)},
		err:     errors.New("device went away"),
	}
	tx, rx := output.NewMemory(0, output.Unbounded)
	m := NewManager(policy(30*time.Second, 0), src, tx, nil, clock.NewMock())

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device went away")

	flows := drain(t, rx)
	require.Len(t, flows, 1)
	assert.Equal(t, flow.EndReasonEndOfStream, flows[0].EndReason)

	assert.ErrorIs(t, m.Run(context.Background()), flow.ErrAlreadyStarted)
}

func TestConsumerGoneEndsRunCleanly(t *testing.T) {
	var packets []*flow.RawPacket
	for i := 0; i < 10; i++ {
		packets = append(packets, udp(t, time.Duration(i)*time.Millisecond, "10.0.0.1", uint16(100+i), "10.0.0.2", 53))
	}
	tx, rx := output.NewMemory(1, output.Block)
	rx.Close()

	m := NewManager(policy(0, 0), &sliceSource{packets: packets}, tx, nil, clock.NewMock())
	require.NoError(t, m.Run(context.Background()))

	st := m.Stats()
	assert.Equal(t, uint64(0), st.FlowsEmitted)
	assert.Equal(t, st.FlowsCreated, st.FlowsLost)
}

func TestStopFlushesLiveFlows(t *testing.T) {
	src := newChanSource()
	tx, rx := output.NewMemory(0, output.Unbounded)
	m := NewManager(policy(time.Hour, 0), src, tx, nil, clock.NewMock())

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	for i := 0; i < 5; i++ {
		src.packets <- udp(t, time.Duration(i)*time.Millisecond, "10.0.0.1", uint16(7000+i), "10.0.0.2", 53)
	}
	require.Eventually(t, func() bool { return m.Stats().PacketsProcessed == 5 }, 5*time.Second, 5*time.Millisecond)

	m.Stop()
	require.NoError(t, <-done)

	flows := drain(t, rx)
	require.Len(t, flows, 5)
	for _, f := range flows {
		assert.Equal(t, flow.EndReasonEndOfStream, f.EndReason)
	}
}

func TestLiveSweepExpiresWithoutTraffic(t *testing.T) {
	src := newChanSource()
	mock := clock.NewMock()
	tx, rx := output.NewMemory(0, output.Unbounded)
	m := NewManager(policy(30*time.Second, 0), src, tx, nil, mock)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	src.packets <- udp(t, 0, "10.0.0.1", 8000, "10.0.0.2", 53)
	require.Eventually(t, func() bool { return m.Stats().PacketsProcessed == 1 }, 5*time.Second, 5*time.Millisecond)

	got := make(chan *flow.Flow, 1)
	go func() {
		f, err := rx.Recv(context.Background())
		if err == nil {
			got <- f
		}
	}()

	var expired *flow.Flow
	for i := 0; i < 300 && expired == nil; i++ {
		mock.Add(time.Second)
		select {
		case expired = <-got:
		default:
		}
	}
	require.NotNil(t, expired, "flow did not expire on wall-clock sweeps")
	assert.Equal(t, flow.EndReasonIdle, expired.EndReason)

	m.Stop()
	require.NoError(t, <-done)
}

func TestLiveIdleExpiryFollowsLastPacket(t *testing.T) {
	src := newChanSource()
	mock := clock.NewMock()
	tx, rx := output.NewMemory(0, output.Unbounded)
	cfg := policy(time.Second, 0)
	cfg.SweepInterval = time.Second
	m := NewManager(cfg, src, tx, nil, mock)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	// Flow A at wall 0s, flow B 900ms later. The first tick comes at 1s.
	src.packets <- udp(t, 0, "10.0.0.1", 8000, "10.0.0.2", 53)
	require.Eventually(t, func() bool { return m.Stats().PacketsProcessed == 1 }, 5*time.Second, 5*time.Millisecond)
	mock.Add(900 * time.Millisecond)
	src.packets <- udp(t, 900*time.Millisecond, "10.0.0.3", 8001, "10.0.0.4", 53)
	require.Eventually(t, func() bool { return m.Stats().PacketsProcessed == 2 }, 5*time.Second, 5*time.Millisecond)

	// At 1s, A has been idle for 1s and B for 100ms.
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats().FlowsEmitted == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return m.Stats().FlowsEmitted > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().LiveFlows)

	// No tick before 2s; at 2s B has been idle for 1.1s.
	mock.Add(800 * time.Millisecond)
	assert.Never(t, func() bool { return m.Stats().FlowsEmitted > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	mock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats().FlowsEmitted == 2 }, 5*time.Second, 5*time.Millisecond)

	m.Stop()
	require.NoError(t, <-done)

	flows := drain(t, rx)
	require.Len(t, flows, 2)
	assert.Equal(t, uint16(8000), flows[0].SrcPort)
	assert.Equal(t, uint16(8001), flows[1].SrcPort)
	for _, f := range flows {
		assert.Equal(t, flow.EndReasonIdle, f.EndReason)
		assert.Equal(t, uint64(1), f.TotalPackets())
	}
}

func TestAdvanceLiveAnchorsOnNewestPacket(t *testing.T) {
	mock := clock.NewMock()
	m := NewManager(policy(time.Second, 0), newChanSource(), nil, nil, mock)
	m.live = true

	// No packet yet: now stays unset.
	m.advanceLive(mock.Now().Add(time.Second))
	assert.True(t, m.now.IsZero())

	mock.Add(900 * time.Millisecond)
	m.lastPacketTS, m.nowSetAt, m.now = t0, mock.Now(), t0
	m.advanceLive(mock.Now().Add(100 * time.Millisecond))
	assert.Equal(t, t0.Add(100*time.Millisecond), m.now)

	// A tick older than the anchor never moves now backwards.
	m.advanceLive(mock.Now())
	assert.Equal(t, t0.Add(100*time.Millisecond), m.now)
}

// rewritingSender takes ownership of each flow and overwrites its end reason
// as soon as it has it, the way a consumer on the other side may.
type rewritingSender struct{ sent int }

func (s *rewritingSender) Send(_ context.Context, f *flow.Flow) error {
	f.EndReason = flow.EndReasonNone
	s.sent++
	return nil
}
func (s *rewritingSender) Close() error { return nil }

func emitted(t *testing.T, reason flow.EndReason) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.FlowsEmitted.WithLabelValues(reason.String()).Write(&m))
	return m.GetCounter().GetValue()
}

func TestEmittedMetricUsesTerminationReason(t *testing.T) {
	idleBefore := emitted(t, flow.EndReasonIdle)
	noneBefore := emitted(t, flow.EndReasonNone)

	packets := []*flow.RawPacket{
		udp(t, 0, "10.0.0.1", 1000, "10.0.0.2", 53),
		udp(t, time.Millisecond, "10.0.0.1", 1001, "10.0.0.2", 53),
		udp(t, 2*time.Millisecond, "10.0.0.1", 1002, "10.0.0.2", 53),
	}
	out := &rewritingSender{}
	m := NewManager(policy(0, 300*time.Second), &sliceSource{packets: packets}, out, nil, clock.NewMock())
	require.NoError(t, m.Run(context.Background()))

	require.Equal(t, len(packets), out.sent)
	assert.Equal(t, float64(len(packets)), emitted(t, flow.EndReasonIdle)-idleBefore)
	assert.Equal(t, noneBefore, emitted(t, flow.EndReasonNone))
}
