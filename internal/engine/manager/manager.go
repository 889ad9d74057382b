package manager

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"Go2NetStreamer/internal/engine/expiration"
	"Go2NetStreamer/internal/engine/flowtable"
	"Go2NetStreamer/internal/engine/pipeline"
	"Go2NetStreamer/internal/engine/protocol"
	"Go2NetStreamer/internal/metrics"
	"Go2NetStreamer/internal/output"
	"Go2NetStreamer/pkg/flow"

	"github.com/benbjohnson/clock"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultSweepInterval = time.Second
	DefaultQueueSize     = 4096
)

// Config holds the engine tuning parameters.
type Config struct {
	Policy expiration.Policy
	NRoots int
	// SweepInterval is the cadence of expiration sweeps, both in wall time for
	// live sources and in capture time.
	SweepInterval time.Duration
	// QueueSize bounds the hand-off queue between the capture reader and the engine.
	QueueSize int
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	PacketsProcessed uint64 `json:"packets_processed"`
	BytesProcessed   uint64 `json:"bytes_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	BytesDropped     uint64 `json:"bytes_dropped"`
	FlowsCreated     uint64 `json:"flows_created"`
	FlowsEmitted     uint64 `json:"flows_emitted"`
	FlowsLost        uint64 `json:"flows_lost"`
	LiveFlows        int64  `json:"live_flows"`
}

type counters struct {
	packetsProcessed atomic.Uint64
	bytesProcessed   atomic.Uint64
	packetsDropped   atomic.Uint64
	bytesDropped     atomic.Uint64
	flowsCreated     atomic.Uint64
	flowsEmitted     atomic.Uint64
	flowsLost        atomic.Uint64
	liveFlows        atomic.Int64
}

type captured struct {
	raw *flow.RawPacket
	err error
}

// Manager is the flow cache engine. Run owns the flow table: every flow is
// created, updated and terminated on the Run goroutine.
type Manager struct {
	cfg      Config
	source   flow.Source
	out      output.Sender
	pipeline *pipeline.Pipeline
	clock    clock.Clock
	table    *flowtable.Table

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	stats    counters

	live      bool
	now       time.Time
	lastSweep time.Time
	sendErr   error
	// Wall clock reading taken when the newest packet timestamp was seen. Live
	// sources derive now from it between packets.
	lastPacketTS time.Time
	nowSetAt     time.Time
}

// NewManager creates an engine reading from source and emitting into out. A
// nil pipeline runs no stages; a nil clock uses the wall clock.
func NewManager(cfg Config, source flow.Source, out output.Sender, p *pipeline.Pipeline, clk clock.Clock) *Manager {
	if cfg.NRoots <= 0 {
		cfg.NRoots = flowtable.DefaultNRoots
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if p == nil {
		p = pipeline.New()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:      cfg,
		source:   source,
		out:      out,
		pipeline: p,
		clock:    clk,
		table:    flowtable.New(cfg.NRoots),
		stopCh:   make(chan struct{}),
	}
}

// Stop asks the engine to flush every live flow and finish. It returns
// immediately; the flush happens on the Run goroutine.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Stats returns the current counters. Safe to call from any goroutine.
func (m *Manager) Stats() Stats {
	return Stats{
		PacketsProcessed: m.stats.packetsProcessed.Load(),
		BytesProcessed:   m.stats.bytesProcessed.Load(),
		PacketsDropped:   m.stats.packetsDropped.Load(),
		BytesDropped:     m.stats.bytesDropped.Load(),
		FlowsCreated:     m.stats.flowsCreated.Load(),
		FlowsEmitted:     m.stats.flowsEmitted.Load(),
		FlowsLost:        m.stats.flowsLost.Load(),
		LiveFlows:        m.stats.liveFlows.Load(),
	}
}

// Run processes packets until the source ends, Stop is called, the consumer
// goes away or ctx is cancelled. Live flows are then flushed, the output is
// closed and the source is released. Run returns a non-nil error only for a
// failing source or a second invocation; a departed consumer ends the run
// cleanly.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return flow.ErrAlreadyStarted
	}

	packets := make(chan captured, m.cfg.QueueSize)
	readerDone := make(chan struct{})
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go m.read(packets, readerDone, &readerWg)

	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	m.live = m.source.Live()

	log.WithFields(log.Fields{
		"idle_timeout":   m.cfg.Policy.IdleTimeout,
		"active_timeout": m.cfg.Policy.ActiveTimeout,
		"nroots":         m.cfg.NRoots,
		"live":           m.live,
	}).Info("Flow cache engine started")

	var runErr error
loop:
	for !m.stopped.Load() {
		select {
		case c := <-packets:
			if c.err != nil {
				if c.err != io.EOF {
					runErr = errors.Wrap(c.err, "capture source failed")
					log.Errorf("Flushing live flows after source error: %v", c.err)
				}
				break loop
			}
			m.process(ctx, c.raw)
		case t := <-ticker.C:
			if m.live {
				m.advanceLive(t)
				m.sweep(ctx)
			}
		case <-m.stopCh:
			log.Println("Stop requested, flushing live flows.")
		case <-ctx.Done():
			log.Println("Context cancelled, flushing live flows.")
			break loop
		}
	}

	m.flush(ctx)
	if err := m.out.Close(); err != nil {
		log.Warnf("Closing output channel: %v", err)
	}

	close(readerDone)
	if err := m.source.Close(); err != nil {
		log.Warnf("Closing capture source: %v", err)
	}
	readerWg.Wait()

	st := m.Stats()
	log.WithFields(log.Fields{
		"packets": st.PacketsProcessed,
		"dropped": st.PacketsDropped,
		"flows":   st.FlowsEmitted,
		"lost":    st.FlowsLost,
	}).Info("Flow cache engine stopped")
	return runErr
}

// read pulls packets off the capture source. It is the only goroutine calling
// source.Next.
func (m *Manager) read(packets chan<- captured, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		raw, err := m.source.Next()
		select {
		case packets <- captured{raw: raw, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) process(ctx context.Context, raw *flow.RawPacket) {
	info, err := protocol.ParsePacket(raw)
	if err != nil {
		length := raw.CaptureInfo.Length
		if length == 0 {
			length = len(raw.Data)
		}
		m.stats.packetsDropped.Add(1)
		m.stats.bytesDropped.Add(uint64(length))
		metrics.PacketsDropped.Inc()
		metrics.BytesDropped.Add(float64(length))
		log.Debugf("Skipping packet: %v", err)
		return
	}

	if m.live && !info.Timestamp.Before(m.lastPacketTS) {
		m.lastPacketTS = info.Timestamp
		m.nowSetAt = m.clock.Now()
	}
	if info.Timestamp.After(m.now) {
		m.now = info.Timestamp
	}
	if m.lastSweep.IsZero() {
		m.lastSweep = m.now
	}

	key, dir := flow.NewKey(info.FiveTuple, info.VLANID)
	if f, ok := m.table.Lookup(key); ok {
		if reason, expired := m.cfg.Policy.Evaluate(f, info.Timestamp); expired {
			m.table.Remove(key)
			m.terminate(ctx, f, reason)
		}
	}

	f, isNew := m.table.LookupOrCreate(key, info.Timestamp)
	if isNew {
		f.Init(info, dir)
		f.Account(info, dir)
		m.stats.flowsCreated.Add(1)
		metrics.FlowsCreated.Inc()
		m.pipeline.Create(info, f)
	} else {
		f.Account(info, dir)
		m.pipeline.Update(info, f)
	}
	m.stats.packetsProcessed.Add(1)
	m.stats.bytesProcessed.Add(uint64(info.Length))
	metrics.PacketsProcessed.Inc()

	if closed(f, info) {
		m.table.Remove(key)
		m.terminate(ctx, f, flow.EndReasonEndOfFlow)
	} else if reason, expired := m.cfg.Policy.Evaluate(f, m.now); expired {
		m.table.Remove(key)
		m.terminate(ctx, f, reason)
	}

	if m.now.Sub(m.lastSweep) >= m.cfg.SweepInterval {
		m.sweep(ctx)
		m.lastSweep = m.now
	}
	m.updateLive()
}

// advanceLive moves now to the newest packet timestamp plus the wall time
// elapsed since that packet was seen. now never moves backwards.
func (m *Manager) advanceLive(wall time.Time) {
	if m.nowSetAt.IsZero() {
		return
	}
	if advanced := m.lastPacketTS.Add(wall.Sub(m.nowSetAt)); advanced.After(m.now) {
		m.now = advanced
	}
}

// closed reports a TCP connection end: a reset, or the acknowledgement that
// follows a FIN from both sides.
func closed(f *flow.Flow, pkt *flow.PacketInfo) bool {
	if f.Protocol != uint8(layers.IPProtocolTCP) {
		return false
	}
	if pkt.HasFlag(flow.FlagRST) {
		return true
	}
	return f.FinSrcToDst && f.FinDstToSrc && pkt.HasFlag(flow.FlagACK) && !pkt.HasFlag(flow.FlagFIN)
}

func (m *Manager) sweep(ctx context.Context) {
	for _, f := range m.cfg.Policy.Sweep(m.table, m.now) {
		m.terminate(ctx, f, f.EndReason)
	}
	m.updateLive()
}

func (m *Manager) flush(ctx context.Context) {
	flows := m.table.DrainAll()
	for _, f := range flows {
		m.terminate(ctx, f, m.cfg.Policy.FlushReason(f, m.now))
	}
	m.updateLive()
}

// terminate runs the expiry hooks and hands the flow to the output. Once the
// output has failed, flows are only counted as lost.
func (m *Manager) terminate(ctx context.Context, f *flow.Flow, reason flow.EndReason) {
	f.EndReason = reason
	m.pipeline.Expire(f)

	if m.sendErr == nil {
		if err := m.out.Send(ctx, f); err != nil {
			m.sendErr = err
			m.stopped.Store(true)
			log.Warnf("Output channel failed, dropping remaining flows: %v", err)
		} else {
			m.stats.flowsEmitted.Add(1)
			metrics.FlowsEmitted.WithLabelValues(reason.String()).Inc()
			return
		}
	}
	m.stats.flowsLost.Add(1)
	metrics.FlowsLost.Inc()
}

func (m *Manager) updateLive() {
	n := int64(m.table.Len())
	m.stats.liveFlows.Store(n)
	metrics.LiveFlows.Set(float64(n))
}
