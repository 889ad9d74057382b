package model

import (
	"time"

	"Go2NetStreamer/pkg/flow"
)

// Writer defines a generic interface for exporting terminated flows to a
// persistent store.
type Writer interface {
	// Write persists one batch of flows collected since the previous call.
	Write(flows []*flow.Flow, timestamp string) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration

	// Close releases the resources of the writer.
	Close() error
}
