// Package output carries terminated flows from the engine to the consumer.
package output

import (
	"context"
	"strings"

	"Go2NetStreamer/pkg/flow"

	"github.com/pkg/errors"
)

// Sender is the engine side of an output channel. Close emits the
// end-of-stream sentinel.
type Sender interface {
	Send(ctx context.Context, f *flow.Flow) error
	Close() error
}

// Receiver is the consumer side of an output channel. Recv returns io.EOF
// after the sentinel. Close tells the sender the consumer is gone.
type Receiver interface {
	Recv(ctx context.Context) (*flow.Flow, error)
	Close() error
}

// Backpressure selects what the engine does when the consumer falls behind.
type Backpressure string

const (
	// Block bounds the buffer; the engine waits for the consumer once it is full.
	Block Backpressure = "block"
	// Unbounded never blocks the engine; the buffer grows with the backlog.
	Unbounded Backpressure = "unbounded"
)

// ParseBackpressure accepts "block" and "unbounded".
func ParseBackpressure(s string) (Backpressure, error) {
	switch b := Backpressure(strings.ToLower(s)); b {
	case Block, Unbounded:
		return b, nil
	case "":
		return Block, nil
	}
	return "", errors.Wrapf(flow.ErrInvalidConfig, "unknown backpressure mode %q", s)
}

func consumerGone(op string) error {
	return &flow.ChannelError{Op: op, Err: flow.ErrConsumerGone}
}
