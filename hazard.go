package splitmap

import (
	"sync/atomic"
	"unsafe"
)

// hazard pointers
//
// each worker owns one record of three slots, and publishes the nodes it
// is about to dereference while walking the list:
//
// ```
//     slot 0: next     (or the value slot, in long-lived mode)
//     slot 1: current
//     slot 2: predecessor
// ```
//
// a worker only ever writes its own record. records are kept on a
// lock-free, append-only list so that other goroutines can scan them,
// and released records are reused rather than unlinked.
//
// nodes are never handed back to anyone while the table is live: unlinked
// nodes are parked until Destroy. the slots exist so a walker can keep
// reading a node that was marked or unlinked underneath it, and so that
// protected() can answer whether anyone still holds a node.

const (
	hpNext = iota
	hpCurr
	hpPrev

	hazardSlots
)

type hazardRecord struct {
	slots  [hazardSlots]unsafe.Pointer
	active atomic.Bool
	next   *hazardRecord
}

type registry struct {
	head    atomic.Pointer[hazardRecord]
	records atomic.Int64
}

func (r *registry) acquire() *hazardRecord {
	for rec := r.head.Load(); rec != nil; rec = rec.next {
		if !rec.active.Load() && rec.active.CompareAndSwap(false, true) {
			return rec
		}
	}

	rec := &hazardRecord{}
	rec.active.Store(true)
	for {
		old := r.head.Load()
		rec.next = old
		if r.head.CompareAndSwap(old, rec) {
			r.records.Add(1)
			return rec
		}
	}
}

// protected reports whether any active record publishes p.
func (r *registry) protected(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	for rec := r.head.Load(); rec != nil; rec = rec.next {
		if !rec.active.Load() {
			continue
		}
		for i := range rec.slots {
			if atomic.LoadPointer(&rec.slots[i]) == p {
				return true
			}
		}
	}
	return false
}

// release drops every record. only called from Destroy.
func (r *registry) release() int {
	n := 0
	for rec := r.head.Swap(nil); rec != nil; rec = rec.next {
		for i := range rec.slots {
			atomic.StorePointer(&rec.slots[i], nil)
		}
		rec.active.Store(false)
		n++
	}
	r.records.Store(0)
	return n
}

// Worker is the per-goroutine context passed into every table operation.
// It owns the hazard slots the goroutine publishes while traversing the
// table. A Worker must not be shared between goroutines running at the
// same time; hand it off, or take one each with Table.Worker.
type Worker struct {
	rec *hazardRecord
}

func (w *Worker) publish(slot int, p unsafe.Pointer) {
	atomic.StorePointer(&w.rec.slots[slot], p)
}

func (w *Worker) clear(slot int) {
	atomic.StorePointer(&w.rec.slots[slot], nil)
}

func (w *Worker) clearAll() {
	for i := range w.rec.slots {
		w.clear(i)
	}
}

func (w *Worker) hazard(slot int) unsafe.Pointer {
	return atomic.LoadPointer(&w.rec.slots[slot])
}

// Clear drops any value still pinned by a long-lived Find or Delete.
func (w *Worker) Clear() {
	w.clearAll()
}

// Release clears the worker's slots and hands its record back for reuse.
// The worker must not be used afterwards.
func (w *Worker) Release() {
	if w.rec == nil {
		return
	}
	w.clearAll()
	w.rec.active.Store(false)
	w.rec = nil
}
