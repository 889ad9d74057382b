// Package flowtable implements the hash index holding live flows.
package flowtable

import (
	"container/list"
	"time"

	"Go2NetStreamer/pkg/flow"
)

// DefaultNRoots is the default number of buckets.
const DefaultNRoots = 512

// bucket is one partition of the table. Its list keeps flows in insertion order.
type bucket struct {
	index map[flow.Key]*list.Element
	order *list.List
}

// Table maps flow keys to live flow records. It is not safe for concurrent
// use: the engine goroutine is its only owner.
type Table struct {
	buckets []*bucket
	nextID  uint64
	size    int
}

// New creates a table with nroots buckets.
func New(nroots int) *Table {
	if nroots <= 0 {
		nroots = DefaultNRoots
	}
	t := &Table{buckets: make([]*bucket, nroots)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{index: make(map[flow.Key]*list.Element), order: list.New()}
	}
	return t
}

func (t *Table) bucketFor(key flow.Key) *bucket {
	return t.buckets[key.Hash()%uint32(len(t.buckets))]
}

// LookupOrCreate returns the flow for key, creating it with the given
// timestamp as first and last seen when none exists.
func (t *Table) LookupOrCreate(key flow.Key, ts time.Time) (*flow.Flow, bool) {
	b := t.bucketFor(key)
	if e, ok := b.index[key]; ok {
		return e.Value.(*flow.Flow), false
	}
	f := &flow.Flow{ID: t.nextID, Key: key}
	f.FirstSeen, f.LastSeen = ts, ts
	t.nextID++
	b.index[key] = b.order.PushBack(f)
	t.size++
	return f, true
}

// Lookup returns the live flow for key, if any.
func (t *Table) Lookup(key flow.Key) (*flow.Flow, bool) {
	if e, ok := t.bucketFor(key).index[key]; ok {
		return e.Value.(*flow.Flow), true
	}
	return nil, false
}

// Remove detaches the flow for key from the table and returns it.
func (t *Table) Remove(key flow.Key) *flow.Flow {
	b := t.bucketFor(key)
	e, ok := b.index[key]
	if !ok {
		return nil
	}
	delete(b.index, key)
	b.order.Remove(e)
	t.size--
	return e.Value.(*flow.Flow)
}

// ForEachBucket calls visit for every non-empty bucket, in bucket order, with
// the bucket's flows in insertion order. The slice is a copy, so visit may
// remove flows from the table.
func (t *Table) ForEachBucket(visit func(index int, flows []*flow.Flow)) {
	for i, b := range t.buckets {
		if b.order.Len() == 0 {
			continue
		}
		flows := make([]*flow.Flow, 0, b.order.Len())
		for e := b.order.Front(); e != nil; e = e.Next() {
			flows = append(flows, e.Value.(*flow.Flow))
		}
		visit(i, flows)
	}
}

// DrainAll empties the table and returns every live flow, bucket by bucket.
func (t *Table) DrainAll() []*flow.Flow {
	flows := make([]*flow.Flow, 0, t.size)
	for _, b := range t.buckets {
		for e := b.order.Front(); e != nil; e = e.Next() {
			flows = append(flows, e.Value.(*flow.Flow))
		}
		b.index = make(map[flow.Key]*list.Element)
		b.order.Init()
	}
	t.size = 0
	return flows
}

// Len returns the number of live flows.
func (t *Table) Len() int { return t.size }

// NRoots returns the number of buckets.
func (t *Table) NRoots() int { return len(t.buckets) }

// Created returns how many flows the table has created so far.
func (t *Table) Created() uint64 { return t.nextID }
