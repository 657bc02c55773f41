// Package timerwheel implements the per-worker timer scheduling the engine
// needs for RTO, TIME_WAIT (2*MSL), and idle timeouts (§5). It replaces the
// teacher domain's intrusive per-flow linked lists with per-scheduler queues
// of flow identifiers, per §9's re-architecture note, using a small bucketed
// wheel keyed on deadline: scheduling is a bucket append rather than a
// sorted-list insert, and expiry scans every bucket, checking each deadline.
package timerwheel

import (
	"container/list"
	"time"
)

// ID identifies the flow (or other timer owner) a deadline belongs to.
type ID uint64

// entry is one scheduled deadline.
type entry struct {
	id      ID
	bucket  int
	elem    *list.Element
	expires time.Time
}

// Wheel is a simple bucketed deadline scheduler. It is not goroutine-safe;
// callers (the single-threaded engine poll loop, §5) own the synchronization.
type Wheel struct {
	resolution time.Duration
	buckets    []*list.List
	index      map[ID]*entry
}

// New creates a wheel with the given bucket count and tick resolution.
func New(bucketCount int, resolution time.Duration) *Wheel {
	w := &Wheel{
		resolution: resolution,
		buckets:    make([]*list.List, bucketCount),
		index:      make(map[ID]*entry),
	}
	for i := range w.buckets {
		w.buckets[i] = list.New()
	}
	return w
}

func (w *Wheel) bucketFor(t time.Time) int {
	ticks := t.UnixNano() / int64(w.resolution)
	return int(uint64(ticks) % uint64(len(w.buckets)))
}

// Schedule arms (or re-arms) a deadline for id, replacing any existing one.
func (w *Wheel) Schedule(id ID, deadline time.Time) {
	w.Cancel(id)
	b := w.bucketFor(deadline)
	e := &entry{id: id, bucket: b, expires: deadline}
	e.elem = w.buckets[b].PushBack(e)
	w.index[id] = e
}

// Cancel removes any deadline scheduled for id. Idempotent.
func (w *Wheel) Cancel(id ID) {
	e, ok := w.index[id]
	if !ok {
		return
	}
	w.buckets[e.bucket].Remove(e.elem)
	delete(w.index, id)
}

// Scheduled reports whether id currently has an armed deadline.
func (w *Wheel) Scheduled(id ID) bool {
	_, ok := w.index[id]
	return ok
}

// Expired removes and returns every id whose deadline is at or before now.
// Flows not yet due remain scheduled.
func (w *Wheel) Expired(now time.Time) []ID {
	var out []ID
	// Scan every bucket: deadlines far in the future can land in the same
	// bucket as due ones after wraparound, so a precise time check (not
	// just bucket equality) gates expiry.
	for _, b := range w.buckets {
		var next *list.Element
		for el := b.Front(); el != nil; el = next {
			next = el.Next()
			e := el.Value.(*entry)
			if !e.expires.After(now) {
				b.Remove(el)
				delete(w.index, e.id)
				out = append(out, e.id)
			}
		}
	}
	return out
}

// Len returns the number of scheduled deadlines.
func (w *Wheel) Len() int { return len(w.index) }
