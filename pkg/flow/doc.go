// Package flow holds the public data model of the streamer: packet metadata,
// canonical bidirectional flow keys, flow records, plugin hooks and the
// capture source contract.
package flow
