package splitmap

import (
	"runtime"
	"sync/atomic"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// the directory
//
// the directory is an array of shortcuts into the list, one per bucket.
// a slot is filled the first time its bucket is used, by linking a
// sentinel into the list below the parent bucket's sentinel:
//
// ```
//     size 4:  [s0,  nil, s2,  nil]
//     size 8:  [s0,  nil, s2,  nil, nil, nil, nil, nil]
//     bucket 6 needs bucket 2, which is there, so s6 goes in after s2
// ```
//
// growing copies the array into one twice as long, and the new half
// fills in lazily. the list itself is never touched. the length of the
// directory is the table size, so one compare and swap of the directory
// pointer changes both.

type directory[V any] struct {
	slots []atomic.Pointer[node[V]]
}

func newDirectory[V any](size int) (dir *directory[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(runtime.Error)
			if !ok {
				panic(r)
			}
			dir, err = nil, errors.Wrapf(ErrAllocationFailure, "directory of %d buckets: %v", size, rerr)
		}
	}()
	return &directory[V]{
		slots: make([]atomic.Pointer[node[V]], size),
	}, nil
}

func (d *directory[V]) size() int {
	return len(d.slots)
}

func (d *directory[V]) index(hash uint32) uint32 {
	return hash & uint32(len(d.slots)-1)
}

// bucket returns the sentinel for index, linking it and any missing
// ancestors into the list first. ancestors are walked with a loop,
// at most one per set bit of the index.
func (t *Table[V]) bucket(w *Worker, dir *directory[V], index uint32) *node[V] {
	if s := dir.slots[index].Load(); s != nil {
		return s
	}

	var pending [32]uint32
	n := 0
	for b := index; dir.slots[b].Load() == nil; b = parentBucket(b) {
		pending[n] = b
		n++
	}

	for n > 0 {
		n--
		t.initBucket(w, dir, pending[n])
	}
	return dir.slots[index].Load()
}

func (t *Table[V]) initBucket(w *Worker, dir *directory[V], b uint32) {
	parent := dir.slots[parentBucket(b)].Load()

	sentinel := newNode[V](sentinelOrder(b), uint64(b))
	winner := t.list.insert(w, parent, sentinel)
	if winner != sentinel {
		// never linked, so nobody else can see it
		t.metrics.sentinelRacesLost.Inc()
	} else {
		t.metrics.bucketsInitialized.Inc()
	}

	dir.slots[b].CompareAndSwap(nil, winner)
}

// grow doubles dir if it is still the table's directory. racing growers
// each build a candidate and only one swap lands.
func (t *Table[V]) grow(dir *directory[V]) {
	size := dir.size()
	if size >= t.cfg.MaxSize || t.dir.Load() != dir {
		return
	}

	next, err := newDirectory[V](size << 1)
	if err != nil {
		level.Error(t.logger).Log("msg", "failed to grow directory", "size", size, "err", err)
		panic(err)
	}
	for i := range dir.slots {
		if s := dir.slots[i].Load(); s != nil {
			next.slots[i].Store(s)
		}
	}

	if !t.dir.CompareAndSwap(dir, next) {
		t.metrics.resizeRacesLost.Inc()
		level.Debug(t.logger).Log("msg", "discarded directory candidate", "size", size<<1)
		return
	}

	t.metrics.resizes.Inc()
	level.Debug(t.logger).Log("msg", "directory doubled", "from", size, "to", size<<1, "entries", t.Len())
}

// fill links the sentinel for every bucket in the current directory.
func (t *Table[V]) fill(w *Worker) {
	dir := t.directory()
	for i := range dir.slots {
		t.bucket(w, dir, uint32(i))
	}
}
