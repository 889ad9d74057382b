// Package exporter hands terminated flows to the configured writers in
// periodic batches.
package exporter

import (
	"sync"
	"time"

	"Go2NetStreamer/internal/metrics"
	"Go2NetStreamer/internal/model"
	"Go2NetStreamer/pkg/flow"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	log "github.com/sirupsen/logrus"
)

const timestampLayout = "2006-01-02_15-04-05"

type batchQueue struct {
	mu    sync.Mutex
	flows *deque.Deque
}

func (q *batchQueue) push(f *flow.Flow) {
	q.mu.Lock()
	q.flows.PushBack(f)
	q.mu.Unlock()
}

func (q *batchQueue) take() []*flow.Flow {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := make([]*flow.Flow, 0, q.flows.Len())
	for q.flows.Len() > 0 {
		batch = append(batch, q.flows.PopFront().(*flow.Flow))
	}
	return batch
}

// Exporter queues flows for each writer and flushes them on the writer's
// snapshot interval.
type Exporter struct {
	writers []model.Writer
	queues  []*batchQueue
	clock   clock.Clock

	done          chan struct{}
	snapshotterWg sync.WaitGroup
	stopOnce      sync.Once
}

// New creates an exporter. A nil clock uses the wall clock.
func New(writers []model.Writer, clk clock.Clock) *Exporter {
	if clk == nil {
		clk = clock.New()
	}
	e := &Exporter{writers: writers, clock: clk, done: make(chan struct{})}
	for range writers {
		e.queues = append(e.queues, &batchQueue{flows: deque.New()})
	}
	return e
}

// Start launches one snapshotter per writer.
func (e *Exporter) Start() {
	for i, w := range e.writers {
		e.snapshotterWg.Add(1)
		go e.runSnapshotter(w, e.queues[i])
		log.Printf("Started snapshotter for a writer with interval %s.", w.GetInterval())
	}
}

// Add queues a terminated flow for every writer.
func (e *Exporter) Add(f *flow.Flow) {
	for _, q := range e.queues {
		q.push(f)
	}
}

// Stop flushes what is left, waits for the snapshotters and closes the writers.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.snapshotterWg.Wait()
		for _, w := range e.writers {
			if err := w.Close(); err != nil {
				log.Warnf("Error closing writer: %v", err)
			}
		}
		log.Println("Exporter stopped.")
	})
}

// runSnapshotter runs a dedicated flush loop for a single writer. A writer
// without a positive interval is only flushed on Stop.
func (e *Exporter) runSnapshotter(w model.Writer, q *batchQueue) {
	defer e.snapshotterWg.Done()
	var tick <-chan time.Time
	if interval := w.GetInterval(); interval > 0 {
		ticker := e.clock.Ticker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			e.flush(w, q)
		case <-e.done:
			e.flush(w, q)
			return
		}
	}
}

func (e *Exporter) flush(w model.Writer, q *batchQueue) {
	batch := q.take()
	if len(batch) == 0 {
		return
	}
	name := writerName(w)
	timestamp := e.clock.Now().Format(timestampLayout)
	if err := w.Write(batch, timestamp); err != nil {
		metrics.ExportErrors.WithLabelValues(name).Inc()
		log.WithField("writer", name).Errorf("Error writing %d flows: %v", len(batch), err)
		return
	}
	metrics.FlowsExported.WithLabelValues(name).Add(float64(len(batch)))
}

type named interface{ Name() string }

func writerName(w model.Writer) string {
	if n, ok := w.(named); ok {
		return n.Name()
	}
	return "unknown"
}
