// Package expiration decides when live flows terminate.
package expiration

import (
	"time"

	"Go2NetStreamer/internal/engine/flowtable"
	"Go2NetStreamer/pkg/flow"
)

// Policy holds the idle and active timeouts. An IdleTimeout of zero ends every
// flow right after the packet that touched it. An ActiveTimeout of zero
// disables the active rule.
type Policy struct {
	IdleTimeout   time.Duration
	ActiveTimeout time.Duration
}

// Evaluate applies the rules to one flow at time now, in order: idle gap
// reached, idle timeout of zero, active ceiling reached.
func (p Policy) Evaluate(f *flow.Flow, now time.Time) (flow.EndReason, bool) {
	if now.Sub(f.LastSeen) >= p.IdleTimeout {
		return flow.EndReasonIdle, true
	}
	if p.IdleTimeout == 0 {
		return flow.EndReasonIdle, true
	}
	if p.ActiveTimeout > 0 && now.Sub(f.FirstSeen) >= p.ActiveTimeout {
		return flow.EndReasonActive, true
	}
	return flow.EndReasonNone, false
}

// Sweep removes every expired flow from the table and returns them with their
// EndReason set, in bucket order and insertion order within a bucket.
func (p Policy) Sweep(table *flowtable.Table, now time.Time) []*flow.Flow {
	var expired []*flow.Flow
	table.ForEachBucket(func(_ int, flows []*flow.Flow) {
		for _, f := range flows {
			if reason, ok := p.Evaluate(f, now); ok {
				table.Remove(f.Key)
				f.EndReason = reason
				expired = append(expired, f)
			}
		}
	})
	return expired
}

// FlushReason is the reason given to a flow still live when the stream ends.
func (p Policy) FlushReason(f *flow.Flow, now time.Time) flow.EndReason {
	if reason, ok := p.Evaluate(f, now); ok {
		return reason
	}
	return flow.EndReasonEndOfStream
}
