package flow

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSourceNotFound       = errors.New("capture source not found")
	ErrSourceUnavailable    = errors.New("capture source unavailable")
	ErrInvalidSource        = errors.New("invalid capture source")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrTransportUnavailable = errors.New("transport endpoint unavailable")
	ErrConsumerGone         = errors.New("flow consumer is gone")
	ErrAlreadyStarted       = errors.New("flow stream already started")
	ErrMalformedPacket      = errors.New("malformed packet")
	ErrUnsupportedPacket    = errors.New("unsupported packet")
)

// SetupError is fatal and raised before any packet is processed.
type SetupError struct {
	Op  string
	Err error
}

// NewSetupError wraps err as a SetupError for operation op.
func NewSetupError(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup failed: %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupError reports whether err is, or wraps, a SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// PacketError marks a packet that could not be classified. The engine skips it.
type PacketError struct {
	Length int
	Err    error
}

func (e *PacketError) Error() string { return fmt.Sprintf("packet (%d bytes): %v", e.Length, e.Err) }
func (e *PacketError) Unwrap() error { return e.Err }

// DissectionError reports a pipeline stage failing on one flow.
type DissectionError struct {
	Stage  string
	Hook   string
	FlowID uint64
	Err    error
}

func (e *DissectionError) Error() string {
	return fmt.Sprintf("stage %s %s failed on flow %d: %v", e.Stage, e.Hook, e.FlowID, e.Err)
}
func (e *DissectionError) Unwrap() error { return e.Err }

// ChannelError reports a broken output channel.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("output channel %s: %v", e.Op, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }
