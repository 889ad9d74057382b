// Package streamer turns a packet capture into a stream of terminated flows.
//
//	s, err := streamer.New(streamer.DefaultOptions("trace.pcap"))
//	if err != nil {
//		return err
//	}
//	for f, err := range s.Flows(ctx) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(f)
//	}
package streamer

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"Go2NetStreamer/internal/engine/dissect"
	"Go2NetStreamer/internal/engine/expiration"
	"Go2NetStreamer/internal/engine/manager"
	"Go2NetStreamer/internal/engine/pipeline"
	"Go2NetStreamer/internal/output"
	"Go2NetStreamer/pkg/flow"
	"Go2NetStreamer/pkg/pcap"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Stats is a snapshot of the engine counters.
type Stats = manager.Stats

// Streamer runs one flow cache over one capture. A Streamer can be iterated
// once.
type Streamer struct {
	opts     Options
	source   flow.Source
	engine   *manager.Manager
	receiver output.Receiver
	server   *output.LoopbackServer
	pipeline *pipeline.Pipeline

	started atomic.Bool
	done    chan struct{}
	mu      sync.Mutex
	err     error
}

// New validates the options, opens the capture, builds the pipeline and binds
// the output transport. Every error it returns is a *flow.SetupError.
// Dissection runs before the plugins, which run in the given order.
func New(opts Options, plugins ...flow.Plugin) (*Streamer, error) {
	return newStreamer(opts, clock.New(), plugins...)
}

func newStreamer(opts Options, clk clock.Clock, plugins ...flow.Plugin) (*Streamer, error) {
	if err := opts.Validate(); err != nil {
		return nil, flow.NewSetupError("validate options", err)
	}
	mode, _ := output.ParseBackpressure(opts.Backpressure)

	source := opts.Capture
	if source == nil {
		var err error
		if source, err = pcap.Open(opts.Source, opts.SnapshotLength); err != nil {
			return nil, err
		}
	}

	var stages []flow.Plugin
	if opts.Dissect {
		stages = append(stages, dissect.NewStage(nil, opts.MaxTCPDissections, opts.MaxUDPDissections))
	}
	stages = append(stages, plugins...)
	p := pipeline.New(stages...)

	s := &Streamer{opts: opts, source: source, pipeline: p, done: make(chan struct{})}

	var sender output.Sender
	if opts.Transport == TransportLoopback {
		srv, err := output.Listen(output.LoopbackConfig{
			BindRetries:  opts.BindRetries,
			BufferSize:   opts.BufferSize,
			Backpressure: mode,
		})
		if err != nil {
			source.Close()
			return nil, err
		}
		client, err := output.Dial(context.Background(), srv.Addr())
		if err != nil {
			srv.Abort()
			source.Close()
			return nil, err
		}
		s.server, sender, s.receiver = srv, srv, client
	} else {
		sender, s.receiver = output.NewMemory(opts.BufferSize, mode)
	}

	s.engine = manager.NewManager(manager.Config{
		Policy:        expiration.Policy{IdleTimeout: opts.IdleTimeout, ActiveTimeout: opts.ActiveTimeout},
		NRoots:        opts.NRoots,
		SweepInterval: opts.SweepInterval,
	}, source, sender, p, clk)

	log.WithFields(log.Fields{
		"source":    opts.Source,
		"transport": opts.Transport,
		"stages":    p.Stages(),
	}).Info("Streamer ready")
	return s, nil
}

// Flows starts the engine and yields flows in termination order until the
// capture is exhausted or Stop was called and every live flow was flushed.
// Leaving the loop early abandons the stream and the engine shuts down. A
// second call yields flow.ErrAlreadyStarted.
func (s *Streamer) Flows(ctx context.Context) iter.Seq2[*flow.Flow, error] {
	return func(yield func(*flow.Flow, error) bool) {
		if !s.started.CompareAndSwap(false, true) {
			yield(nil, flow.ErrAlreadyStarted)
			return
		}
		go s.runEngine(ctx)
		defer s.receiver.Close()

		for {
			f, err := s.receiver.Recv(ctx)
			if err == io.EOF {
				<-s.done
				if err := s.Err(); err != nil {
					yield(nil, err)
				}
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s *Streamer) runEngine(ctx context.Context) {
	defer close(s.done)
	err := s.engine.Run(ctx)
	if s.server != nil {
		s.server.Shutdown()
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Stop interrupts the capture. Flows still live are flushed and yielded
// before the iteration ends.
func (s *Streamer) Stop() {
	s.engine.Stop()
}

// Err returns the runtime error that ended the engine, if any.
func (s *Streamer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the engine counters.
func (s *Streamer) Stats() Stats {
	return s.engine.Stats()
}

// Stages returns the pipeline stage names in call order.
func (s *Streamer) Stages() []string {
	return s.pipeline.Stages()
}

// Wait blocks until the engine has finished. It returns immediately if Flows
// was never called.
func (s *Streamer) Wait() error {
	if !s.started.Load() {
		return nil
	}
	<-s.done
	return s.Err()
}

// Close releases a Streamer that was never iterated.
func (s *Streamer) Close() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.receiver.Close()
	if s.server != nil {
		s.server.Abort()
	}
	return s.source.Close()
}
