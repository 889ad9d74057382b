package streamer

import (
	"time"

	"Go2NetStreamer/internal/engine/dissect"
	"Go2NetStreamer/internal/engine/flowtable"
	"Go2NetStreamer/internal/engine/manager"
	"Go2NetStreamer/internal/output"
	"Go2NetStreamer/pkg/flow"
	"Go2NetStreamer/pkg/pcap"

	"github.com/pkg/errors"
)

const (
	TransportMemory   = "memory"
	TransportLoopback = "loopback"
)

// Options are the construction parameters of a Streamer. Start from
// DefaultOptions: the zero value disables dissection.
type Options struct {
	// Source is a capture file path or an interface name. Empty selects the
	// first capture device of the host.
	Source string
	// Capture, when set, is used instead of opening Source.
	Capture flow.Source

	SnapshotLength int32
	// IdleTimeout of zero turns every packet into its own flow.
	IdleTimeout time.Duration
	// ActiveTimeout of zero disables the active timeout.
	ActiveTimeout time.Duration

	Dissect           bool
	MaxTCPDissections int
	MaxUDPDissections int

	NRoots        int
	SweepInterval time.Duration

	Transport    string
	BufferSize   int
	Backpressure string
	BindRetries  int
}

// DefaultOptions returns the default configuration for the given source.
func DefaultOptions(source string) Options {
	return Options{
		Source:            source,
		SnapshotLength:    pcap.DefaultSnapshotLength,
		IdleTimeout:       30 * time.Second,
		ActiveTimeout:     300 * time.Second,
		Dissect:           true,
		MaxTCPDissections: dissect.DefaultMaxTCPDissections,
		MaxUDPDissections: dissect.DefaultMaxUDPDissections,
		NRoots:            flowtable.DefaultNRoots,
		SweepInterval:     manager.DefaultSweepInterval,
		Transport:         TransportMemory,
		BufferSize:        output.DefaultBufferSize,
		Backpressure:      string(output.Block),
		BindRetries:       output.DefaultBindRetries,
	}
}

// Validate checks the options. Every failure wraps flow.ErrInvalidConfig.
func (o Options) Validate() error {
	switch {
	case o.SnapshotLength < 0:
		return errors.Wrapf(flow.ErrInvalidConfig, "snapshot_length must not be negative, got %d", o.SnapshotLength)
	case o.IdleTimeout < 0:
		return errors.Wrapf(flow.ErrInvalidConfig, "idle_timeout must not be negative, got %s", o.IdleTimeout)
	case o.ActiveTimeout < 0:
		return errors.Wrapf(flow.ErrInvalidConfig, "active_timeout must not be negative, got %s", o.ActiveTimeout)
	case o.MaxTCPDissections < 0 || o.MaxUDPDissections < 0:
		return errors.Wrap(flow.ErrInvalidConfig, "max_tcp_dissections and max_udp_dissections must be >= 0")
	case o.NRoots < 0:
		return errors.Wrapf(flow.ErrInvalidConfig, "nroots must not be negative, got %d", o.NRoots)
	case o.SweepInterval < 0:
		return errors.Wrapf(flow.ErrInvalidConfig, "sweep_interval must not be negative, got %s", o.SweepInterval)
	case o.BufferSize < 0 || o.BindRetries < 0:
		return errors.Wrap(flow.ErrInvalidConfig, "buffer_size and bind_retries must be >= 0")
	}
	switch o.Transport {
	case "", TransportMemory, TransportLoopback:
	default:
		return errors.Wrapf(flow.ErrInvalidConfig, "unknown transport %q", o.Transport)
	}
	_, err := output.ParseBackpressure(o.Backpressure)
	return err
}
