// Package pipeline runs the ordered enrichment stages of a flow.
package pipeline

import (
	"Go2NetStreamer/internal/metrics"
	"Go2NetStreamer/pkg/flow"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	HookCreate = "on_create"
	HookUpdate = "on_update"
	HookExpire = "on_expire"
)

// Pipeline calls the hooks of its stages in registration order. A stage that
// returns an error or panics is isolated: the failure is reported, the flow's
// core statistics are restored, and the remaining stages still run.
type Pipeline struct {
	stages []flow.Plugin
	// OnError receives every isolated failure. Defaults to logging.
	OnError func(*flow.DissectionError)
}

// New builds a pipeline from stages. Nil stages are ignored.
func New(stages ...flow.Plugin) *Pipeline {
	p := &Pipeline{OnError: logFailure}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p
}

// Stages returns the names of the stages in call order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Create runs OnCreate of every stage for the first packet of f.
func (p *Pipeline) Create(pkt *flow.PacketInfo, f *flow.Flow) {
	for _, s := range p.stages {
		if c, ok := s.(flow.Creator); ok {
			p.run(s, HookCreate, f, func() error { return c.OnCreate(pkt, f) })
		}
	}
}

// Update runs OnUpdate of every stage for a later packet of f.
func (p *Pipeline) Update(pkt *flow.PacketInfo, f *flow.Flow) {
	for _, s := range p.stages {
		if u, ok := s.(flow.Updater); ok {
			p.run(s, HookUpdate, f, func() error { return u.OnUpdate(pkt, f) })
		}
	}
}

// Expire runs OnExpire of every stage on a terminated flow.
func (p *Pipeline) Expire(f *flow.Flow) {
	for _, s := range p.stages {
		if e, ok := s.(flow.Expirer); ok {
			p.run(s, HookExpire, f, func() error { return e.OnExpire(f) })
		}
	}
}

func (p *Pipeline) run(s flow.Plugin, hook string, f *flow.Flow, call func() error) {
	saved := f.Stats
	reason := f.EndReason
	if err := invoke(call); err != nil {
		f.Stats = saved
		f.EndReason = reason
		metrics.PipelineFailures.WithLabelValues(s.Name(), hook).Inc()
		if p.OnError != nil {
			p.OnError(&flow.DissectionError{Stage: s.Name(), Hook: hook, FlowID: f.ID, Err: err})
		}
	}
}

func invoke(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return call()
}

func logFailure(e *flow.DissectionError) {
	log.WithFields(log.Fields{
		"stage": e.Stage,
		"hook":  e.Hook,
		"flow":  e.FlowID,
	}).Warnf("Pipeline stage failed: %v", e.Err)
}
