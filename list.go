package splitmap

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// the list
//
// one singly linked list holds every node in the table, sentinels and
// data alike, sorted by split order key:
//
// ```
//     s0 -> d -> d -> s2 -> d -> s1 -> d -> d -> s3 -> nil
// ```
//
// deletion is two steps. first the node's own next pointer is marked,
// which is the moment the key stops existing. then the predecessor is
// swung past it. the second step may fail, and anyone walking past a
// marked node tries it again.
//
// a marked pointer is a *link, an immutable (node, marked) pair, so the
// pair changes with a single compare and swap. every node owns the two
// links that point at it, which means two links are equal exactly when
// they name the same node with the same mark:
//
// ```
//     prev.next == cur.ref()     prev still points at cur, unmarked
//     cur.next  == succ.mark()   cur is deleted, its successor frozen
// ```
//
// the end of the list is a nil link, or endMarked once the last node is
// deleted.
//
// once a link is marked it never changes again: inserts and deletes only
// ever swap out unmarked links.

type link[V any] struct {
	node   *node[V]
	marked bool
}

type node[V any] struct {
	order uint32
	key   uint64
	value atomic.Pointer[V]
	next  atomic.Pointer[link[V]]

	refs    [2]link[V]
	retired *node[V]
}

func newNode[V any](order uint32, key uint64) *node[V] {
	n := &node[V]{
		order: order,
		key:   key,
	}
	n.refs[0] = link[V]{node: n}
	n.refs[1] = link[V]{node: n, marked: true}
	return n
}

func (n *node[V]) ref() *link[V] {
	return &n.refs[0]
}

func (n *node[V]) mark() *link[V] {
	return &n.refs[1]
}

func (n *node[V]) matches(key uint64, order uint32) bool {
	return n != nil && n.order == order && n.key == key
}

func (n *node[V]) isDeleted() bool {
	return n.next.Load().isMarked()
}

func (l *link[V]) target() *node[V] {
	if l == nil {
		return nil
	}
	return l.node
}

func (l *link[V]) isMarked() bool {
	return l != nil && l.marked
}

type list[V any] struct {
	endMarked link[V]

	retired      atomic.Pointer[node[V]]
	retiredCount atomic.Int64

	metrics *metrics
}

func newList[V any](m *metrics) *list[V] {
	return &list[V]{
		endMarked: link[V]{marked: true},
		metrics:   m,
	}
}

func (l *list[V]) link(n *node[V], marked bool) *link[V] {
	switch {
	case n == nil && marked:
		return &l.endMarked
	case n == nil:
		return nil
	case marked:
		return n.mark()
	default:
		return n.ref()
	}
}

// find walks from head to the first node that is not less than (key, order),
// returning it along with its predecessor. marked nodes met on the way are
// unlinked. if the predecessor changes underneath, the walk starts again.
//
// on return, the worker publishes [next, cur, prev].
func (l *list[V]) find(w *Worker, head *node[V], key uint64, order uint32) (prev, cur *node[V]) {
again:
	for {
		prev = head
		cur = head.next.Load().target()
		w.publish(hpCurr, unsafe.Pointer(cur))

		for cur != nil {
			next := cur.next.Load()
			succ := next.target()
			w.publish(hpNext, unsafe.Pointer(succ))

			if prev.next.Load() != cur.ref() {
				l.metrics.restarts.Inc()
				continue again
			}

			if !next.isMarked() {
				if cur.order > order || cur.matches(key, order) {
					return prev, cur
				}
				prev = cur
				w.publish(hpPrev, unsafe.Pointer(cur))
			} else {
				if !prev.next.CompareAndSwap(cur.ref(), l.link(succ, false)) {
					l.metrics.restarts.Inc()
					continue again
				}
				l.retire(cur)
			}

			cur = succ
			w.publish(hpCurr, unsafe.Pointer(cur))
		}
		return prev, nil
	}
}

// insert links n into the list below head, unless a node with the same
// key and order is already there, in which case that node is returned
// and n is left untouched.
func (l *list[V]) insert(w *Worker, head, n *node[V]) *node[V] {
	for {
		prev, cur := l.find(w, head, n.key, n.order)
		if cur.matches(n.key, n.order) {
			return cur
		}

		expect := l.link(cur, false)
		n.next.Store(expect)
		w.publish(hpNext, unsafe.Pointer(n))

		if prev.next.CompareAndSwap(expect, n.ref()) {
			return n
		}
		l.metrics.casRetries.Inc()
	}
}

// remove marks the node for (key, order) and tries once to unlink it.
// it returns the removed node, or nil if there was no such node.
func (l *list[V]) remove(w *Worker, head *node[V], key uint64, order uint32) *node[V] {
	for {
		prev, cur := l.find(w, head, key, order)
		if !cur.matches(key, order) {
			return nil
		}

		next := cur.next.Load()
		if next.isMarked() {
			// lost to another delete, the next find unlinks it
			continue
		}
		succ := next.target()
		w.publish(hpNext, unsafe.Pointer(succ))

		if !cur.next.CompareAndSwap(next, l.link(succ, true)) {
			l.metrics.casRetries.Inc()
			continue
		}

		if prev.next.CompareAndSwap(cur.ref(), l.link(succ, false)) {
			l.retire(cur)
		}
		return cur
	}
}

// sweep walks the whole list from head and unlinks every marked node.
func (l *list[V]) sweep(w *Worker, head *node[V]) int {
	unlinked := 0
again:
	for {
		prev := head
		cur := head.next.Load().target()
		w.publish(hpCurr, unsafe.Pointer(cur))

		for cur != nil {
			next := cur.next.Load()
			succ := next.target()
			w.publish(hpNext, unsafe.Pointer(succ))

			if prev.next.Load() != cur.ref() {
				l.metrics.restarts.Inc()
				continue again
			}

			if !next.isMarked() {
				prev = cur
				w.publish(hpPrev, unsafe.Pointer(cur))
			} else {
				if !prev.next.CompareAndSwap(cur.ref(), l.link(succ, false)) {
					l.metrics.restarts.Inc()
					continue again
				}
				l.retire(cur)
				unlinked++
			}

			cur = succ
			w.publish(hpCurr, unsafe.Pointer(cur))
		}
		return unlinked
	}
}

// retire parks a node that was just unlinked. exactly one goroutine wins
// the unlink of a node, so each node is parked once. parked nodes are let
// go in release.
func (l *list[V]) retire(n *node[V]) {
	if !n.isDeleted() {
		panic(errors.Wrapf(errUnlinkedNotMarked, "order %#08x key %d", n.order, n.key))
	}
	l.metrics.nodesUnlinked.Inc()

	for {
		old := l.retired.Load()
		n.retired = old
		if l.retired.CompareAndSwap(old, n) {
			l.retiredCount.Add(1)
			return
		}
	}
}

// release drops every node reachable from head, then every parked node.
// it must not run alongside any other list operation.
func (l *list[V]) release(head *node[V]) (linked, retired int) {
	for n := head; n != nil; {
		next := n.next.Load().target()
		n.value.Store(nil)
		n.next.Store(nil)
		linked++
		n = next
	}

	for n := l.retired.Swap(nil); n != nil; {
		next := n.retired
		n.retired = nil
		n.value.Store(nil)
		n.next.Store(nil)
		retired++
		n = next
	}
	l.retiredCount.Store(0)
	return linked, retired
}
