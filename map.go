// Package splitmap is a lock-free, extensible hash table.
//
// underneath, there's one sorted linked list of every entry in the table,
// along with a directory of shortcuts into the list, one per bucket:
//
// ```
//     directory:  [0]          [1]
//                  |            |
//     list:       s0 -> a -> b -> s1 -> c -> nil
// ```
//
// the list is kept in split order (see order.go), so that when the
// directory doubles, every old bucket splits in two just by linking a new
// sentinel into the middle of its run. entries are never moved, and no
// lock is ever taken.
//
// nb: this is "Split-Ordered Lists: Lock-Free Extensible Hash Tables"
// by Shalev and Shavit, with the list from Harris and Michael, and a
// small version of Michael's hazard pointers.
//
// keys are 64 bit handles, and callers that need richer keys hash them
// down first. the first insert of a key wins: inserting a key that is
// already present changes nothing.
//
// deleted nodes are not recycled while the table is live. they are kept
// aside once unlinked and let go in Destroy, so memory grows with the
// number of deletes until then.
package splitmap

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Table is a concurrent map from uint64 keys to values of type V.
//
// Insert, Find, Delete and Sweep may be called from any number of
// goroutines, each passing its own Worker, or nil to use a temporary one.
// Destroy must be called alone.
type Table[V any] struct {
	cfg    Config
	hash   HashFunc
	logger log.Logger

	metrics *metrics

	dir   atomic.Pointer[directory[V]]
	count atomic.Int64

	head    *node[V]
	list    *list[V]
	hazards registry

	destroyed atomic.Bool
}

// New creates a table with cfg.InitialSize buckets, with bucket 0 ready.
func New[V any](cfg Config, logger log.Logger, reg prometheus.Registerer) (*Table[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hash := cfg.HashFunc
	if hash == nil {
		h, err := LookupHasher(cfg.Hasher)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	dir, err := newDirectory[V](cfg.InitialSize)
	if err != nil {
		return nil, err
	}
	head := newNode[V](sentinelOrder(0), 0)
	dir.slots[0].Store(head)

	m := newMetrics(reg)
	t := &Table[V]{
		cfg:     cfg,
		hash:    hash,
		logger:  log.With(logger, "component", "splitmap"),
		metrics: m,
		head:    head,
		list:    newList[V](m),
	}
	t.dir.Store(dir)
	registerGauges(t, reg)

	return t, nil
}

// Worker returns a worker for use by one goroutine at a time.
// Release it when the goroutine is done with the table.
func (t *Table[V]) Worker() *Worker {
	return &Worker{rec: t.hazards.acquire()}
}

func (t *Table[V]) directory() *directory[V] {
	dir := t.dir.Load()
	if dir == nil {
		panic(ErrDestroyed)
	}
	return dir
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int {
	return int(t.count.Load())
}

// Size returns the number of buckets in the directory.
func (t *Table[V]) Size() int {
	dir := t.dir.Load()
	if dir == nil {
		return 0
	}
	return dir.size()
}

// Retired returns the number of unlinked nodes awaiting Destroy.
func (t *Table[V]) Retired() int {
	return int(t.list.retiredCount.Load())
}

// Insert adds key with value and reports true, or reports false and
// leaves the table alone if key is already present.
func (t *Table[V]) Insert(w *Worker, key uint64, value V) bool {
	if w == nil {
		w = t.Worker()
		defer w.Release()
	}

	hash := t.hash(key)
	dir := t.directory()
	head := t.bucket(w, dir, dir.index(hash))

	n := newNode[V](regularOrder(hash), key)
	n.value.Store(&value)

	inserted := t.list.insert(w, head, n) == n
	w.clearAll()
	if !inserted {
		return false
	}

	count := t.count.Add(1)
	if cur := t.dir.Load(); cur != nil && float64(count)/float64(cur.size()) > t.cfg.LoadFactor {
		t.grow(cur)
	}
	return true
}

// Find returns the value stored for key.
func (t *Table[V]) Find(w *Worker, key uint64) (V, bool) {
	if w == nil {
		w = t.Worker()
		defer w.Release()
	}

	hash := t.hash(key)
	order := regularOrder(hash)
	dir := t.directory()
	head := t.bucket(w, dir, dir.index(hash))

	_, cur := t.list.find(w, head, key, order)
	if !cur.matches(key, order) {
		w.clearAll()
		var zero V
		return zero, false
	}
	return t.load(w, cur)
}

// Delete removes key and returns the value it held.
func (t *Table[V]) Delete(w *Worker, key uint64) (V, bool) {
	if w == nil {
		w = t.Worker()
		defer w.Release()
	}

	hash := t.hash(key)
	order := regularOrder(hash)
	dir := t.directory()
	head := t.bucket(w, dir, dir.index(hash))

	n := t.list.remove(w, head, key, order)
	if n == nil {
		w.clearAll()
		var zero V
		return zero, false
	}
	t.count.Add(-1)

	v, ok := t.load(w, n)
	// late readers that already hold n see nothing
	n.value.Store(nil)
	return v, ok
}

// load reads the value of n according to the protection mode. a nil
// value means a delete got there first.
func (t *Table[V]) load(w *Worker, n *node[V]) (V, bool) {
	p := n.value.Load()

	if t.cfg.ValueProtection == ProtectLongLived {
		w.publish(hpNext, unsafe.Pointer(p))
		w.clear(hpCurr)
		w.clear(hpPrev)
	} else {
		w.clearAll()
	}

	if p == nil {
		var zero V
		return zero, false
	}
	return *p, true
}

// Sweep walks the whole table and unlinks every deleted node it finds,
// returning how many it unlinked.
func (t *Table[V]) Sweep(w *Worker) int {
	if w == nil {
		w = t.Worker()
		defer w.Release()
	}
	if t.dir.Load() == nil {
		panic(ErrDestroyed)
	}

	n := t.list.sweep(w, t.head)
	w.clearAll()
	return n
}

// Destroy lets go of every node, the directory and the hazard records.
// Nothing else may be using the table, and it must not be used afterwards.
func (t *Table[V]) Destroy() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return ErrDestroyed
	}

	dir := t.dir.Swap(nil)
	linked, retired := t.list.release(t.head)
	records := t.hazards.release()
	t.count.Store(0)

	level.Info(t.logger).Log(
		"msg", "table destroyed",
		"buckets", dir.size(),
		"linked_nodes", linked,
		"retired_nodes", retired,
		"hazard_records", records,
	)
	return nil
}

// dump renders the list, one node per line, for debugging.
func (t *Table[V]) dump() string {
	var b strings.Builder
	fmt.Fprintln(&b, "table", t.Size(), "buckets", t.Len(), "entries")

	for n := t.head; n != nil; n = n.next.Load().target() {
		var v string
		switch {
		case isSentinel(n.order):
			v = fmt.Sprintf("[%d]", n.key)
		case n.isDeleted():
			v = fmt.Sprintf("-%d", n.key)
		default:
			if p := n.value.Load(); p != nil {
				v = fmt.Sprintf("+%d:%v", n.key, *p)
			} else {
				v = fmt.Sprintf("+%d:<nil>", n.key)
			}
		}
		fmt.Fprintf(&b, "%032b %s\n", n.order, v)
	}
	return b.String()
}
