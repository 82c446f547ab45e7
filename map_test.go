package splitmap

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Executor runs tasks on goroutines, or inline when fake is set, which
// helps when bisecting a failure down to a sequential run.
type Executor struct {
	fake bool
	wg   sync.WaitGroup
}

func (e *Executor) Wait() {
	if e.fake {
		return
	}
	e.wg.Wait()
}

func (e *Executor) Go(f func()) {
	if e.fake {
		f()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

func newTable[V any](t testing.TB, modify ...func(*Config)) *Table[V] {
	cfg := DefaultConfig()
	for _, m := range modify {
		m(&cfg)
	}
	tb, err := New[V](cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return tb
}

// checkOrdered walks the whole list and fails if split order is broken.
func checkOrdered[V any](t testing.TB, tb *Table[V]) {
	t.Helper()
	prev := tb.head
	for n := tb.head.next.Load().target(); n != nil; n = n.next.Load().target() {
		if n.order < prev.order {
			t.Fatalf("list out of order: %#08x after %#08x\n%s", n.order, prev.order, tb.dump())
		}
		prev = n
	}
}

func TestTable_InsertFind(t *testing.T) {
	tb := newTable[int](t)
	w := tb.Worker()
	defer w.Release()

	require.True(t, tb.Insert(w, 1, 123))
	v, ok := tb.Find(w, 1)
	require.True(t, ok)
	require.Equal(t, 123, v)

	_, ok = tb.Find(w, 2)
	require.False(t, ok)
	require.Equal(t, 1, tb.Len())
}

func TestTable_ScenarioA(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.InitialSize = 16 })
	w := tb.Worker()
	defer w.Release()

	for k := uint64(0); k < 12; k++ {
		require.True(t, tb.Insert(w, k, int(k)*10))
	}

	v, ok := tb.Find(w, 7)
	require.True(t, ok)
	require.Equal(t, 70, v)

	v, ok = tb.Delete(w, 7)
	require.True(t, ok)
	require.Equal(t, 70, v)

	_, ok = tb.Find(w, 7)
	require.False(t, ok)
	require.Equal(t, 11, tb.Len())
}

func TestTable_ScenarioB(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.InitialSize = 16
	tb, err := New[int](cfg, nil, reg)
	require.NoError(t, err)
	w := tb.Worker()
	defer w.Release()

	for k := uint64(0); k < 12; k++ {
		require.True(t, tb.Insert(w, k, int(k)*10))
		if k < 11 {
			require.Equal(t, 16, tb.Size(), "resized early at key %d", k)
		}
	}
	require.Equal(t, 32, tb.Size())
	require.EqualValues(t, 1, testutil.ToFloat64(tb.metrics.resizes))

	for k := uint64(0); k < 12; k++ {
		v, ok := tb.Find(w, k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, int(k)*10, v)
	}
	checkOrdered(t, tb)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP splitmap_directory_size The current number of buckets in the directory.
# TYPE splitmap_directory_size gauge
splitmap_directory_size 32
# HELP splitmap_entries The current number of live entries.
# TYPE splitmap_entries gauge
splitmap_entries 12
`), "splitmap_directory_size", "splitmap_entries"))
}

func TestTable_ScenarioC(t *testing.T) {
	tb := newTable[string](t)

	require.True(t, tb.Insert(nil, 5, "a"))
	require.False(t, tb.Insert(nil, 5, "b"))

	v, ok := tb.Find(nil, 5)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.Equal(t, 1, tb.Len())
}

func TestTable_ReinsertAfterDelete(t *testing.T) {
	tb := newTable[string](t)
	w := tb.Worker()
	defer w.Release()

	require.True(t, tb.Insert(w, 9, "old"))
	v, ok := tb.Delete(w, 9)
	require.True(t, ok)
	require.Equal(t, "old", v)

	_, ok = tb.Delete(w, 9)
	require.False(t, ok, "second delete")

	require.True(t, tb.Insert(w, 9, "new"), "insert after delete is not a duplicate")
	v, ok = tb.Find(w, 9)
	require.True(t, ok)
	require.Equal(t, "new", v)
	require.Equal(t, 1, tb.Len())
}

func TestTable_DeleteClearsValue(t *testing.T) {
	tb := newTable[int](t)
	w := tb.Worker()
	defer w.Release()

	tb.Insert(w, 3, 30)
	dir := tb.directory()
	head := tb.bucket(w, dir, dir.index(tb.hash(3)))
	_, n := tb.list.find(w, head, 3, regularOrder(tb.hash(3)))
	require.NotNil(t, n)

	tb.Delete(w, 3)
	require.Nil(t, n.value.Load())
	require.True(t, n.isDeleted())
}

func TestTable_SameOrderDifferentKeys(t *testing.T) {
	// every key hashes the same, so the whole table is one run of equal
	// order keys that only the key itself tells apart
	tb := newTable[int](t, func(c *Config) {
		c.HashFunc = func(uint64) uint32 { return 7 }
	})
	w := tb.Worker()
	defer w.Release()

	for k := uint64(0); k < 50; k++ {
		require.True(t, tb.Insert(w, k, int(k)))
	}
	require.False(t, tb.Insert(w, 25, -1))

	for k := uint64(0); k < 50; k += 2 {
		_, ok := tb.Delete(w, k)
		require.True(t, ok)
	}
	for k := uint64(0); k < 50; k++ {
		v, ok := tb.Find(w, k)
		require.Equal(t, k%2 == 1, ok, "key %d", k)
		if ok {
			require.Equal(t, int(k), v)
		}
	}
	require.Equal(t, 25, tb.Len())
}

func TestTable_ResizeKeepsKeys(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.InitialSize = 2 })
	w := tb.Worker()
	defer w.Release()

	for k := uint64(0); k < 100; k++ {
		tb.Insert(w, k, int(k))
	}

	before := map[uint64]int{}
	for k := uint64(0); k < 200; k++ {
		if v, ok := tb.Find(w, k); ok {
			before[k] = v
		}
	}

	size := tb.Size()
	tb.grow(tb.directory())
	require.Equal(t, size*2, tb.Size())

	for k, v := range before {
		got, ok := tb.Find(w, k)
		require.True(t, ok, "key %d lost in resize", k)
		require.Equal(t, v, got)
	}
	require.Len(t, before, 100)
	checkOrdered(t, tb)
}

func TestTable_GrowStopsAtMaxSize(t *testing.T) {
	tb := newTable[int](t, func(c *Config) {
		c.InitialSize = 4
		c.MaxSize = 8
	})
	for k := uint64(0); k < 100; k++ {
		tb.Insert(nil, k, int(k))
	}
	require.Equal(t, 8, tb.Size())
	require.Equal(t, 100, tb.Len())
}

func TestTable_StaleGrowIsIgnored(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.InitialSize = 4 })
	old := tb.directory()
	tb.grow(old)
	require.Equal(t, 8, tb.Size())

	// a second grower holding the old directory must not double again
	tb.grow(old)
	require.Equal(t, 8, tb.Size())
	require.EqualValues(t, 1, testutil.ToFloat64(tb.metrics.resizes))
}

func TestTable_BucketInit(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.InitialSize = 16 })
	w := tb.Worker()
	defer w.Release()
	dir := tb.directory()

	// 13 = 0b1101 needs 5 and 1 first
	s := tb.bucket(w, dir, 13)
	require.Equal(t, sentinelOrder(13), s.order)
	for _, b := range []uint32{1, 5, 13} {
		require.NotNil(t, dir.slots[b].Load(), "bucket %d", b)
	}
	for _, b := range []uint32{2, 3, 4, 6, 7, 9} {
		require.Nil(t, dir.slots[b].Load(), "bucket %d", b)
	}
	require.EqualValues(t, 3, testutil.ToFloat64(tb.metrics.bucketsInitialized))

	require.Same(t, s, tb.bucket(w, dir, 13))

	tb.fill(w)
	for i := range dir.slots {
		require.NotNil(t, dir.slots[i].Load(), "bucket %d", i)
	}
	checkOrdered(t, tb)
	t.Log(tb.dump())
}

func TestTable_BucketInitAfterResizeRace(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.InitialSize = 4 })
	w := tb.Worker()
	defer w.Release()

	old := tb.directory()
	tb.grow(old)
	// initialized through the old directory only
	s := tb.bucket(w, old, 3)

	cur := tb.directory()
	require.Nil(t, cur.slots[3].Load())
	require.Same(t, s, tb.bucket(w, cur, 3), "the existing sentinel must be found, not duplicated")
	// buckets 1 and 3 were both linked already
	require.EqualValues(t, 2, testutil.ToFloat64(tb.metrics.sentinelRacesLost))
	checkOrdered(t, tb)
}

func TestTable_LongLivedProtection(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.ValueProtection = ProtectLongLived })
	w := tb.Worker()
	defer w.Release()

	tb.Insert(w, 7, 70)
	v, ok := tb.Find(w, 7)
	require.True(t, ok)
	require.Equal(t, 70, v)

	pinned := w.hazard(hpNext)
	require.NotNil(t, pinned)
	require.Equal(t, 70, *(*int)(pinned))
	require.True(t, tb.hazards.protected(pinned))
	require.Nil(t, w.hazard(hpCurr))
	require.Nil(t, w.hazard(hpPrev))

	v, ok = tb.Delete(w, 7)
	require.True(t, ok)
	require.Equal(t, 70, v)
	require.Equal(t, pinned, w.hazard(hpNext), "delete pins the same value slot")

	w.Clear()
	require.False(t, tb.hazards.protected(pinned))
}

func TestTable_CopyProtection(t *testing.T) {
	tb := newTable[int](t)
	w := tb.Worker()
	defer w.Release()

	tb.Insert(w, 7, 70)
	tb.Find(w, 7)
	for i := 0; i < hazardSlots; i++ {
		require.Nil(t, w.hazard(i), "slot %d", i)
	}
	tb.Delete(w, 7)
	for i := 0; i < hazardSlots; i++ {
		require.Nil(t, w.hazard(i), "slot %d", i)
	}
}

func TestTable_Sweep(t *testing.T) {
	tb := newTable[int](t)
	w := tb.Worker()
	defer w.Release()

	for k := uint64(0); k < 10; k++ {
		tb.Insert(w, k, int(k))
	}
	require.Equal(t, 0, tb.Sweep(w))

	// mark a node by hand, leaving it linked
	dir := tb.directory()
	hash := tb.hash(4)
	head := tb.bucket(w, dir, dir.index(hash))
	_, n := tb.list.find(w, head, 4, regularOrder(hash))
	next := n.next.Load()
	require.True(t, n.next.CompareAndSwap(next, tb.list.link(next.target(), true)))

	require.Equal(t, 1, tb.Sweep(nil))
	require.Equal(t, 1, tb.Retired())
	_, ok := tb.Find(w, 4)
	require.False(t, ok)
	checkOrdered(t, tb)
}

func TestTable_Destroy(t *testing.T) {
	tb := newTable[int](t)
	w := tb.Worker()

	for k := uint64(0); k < 40; k++ {
		tb.Insert(w, k, int(k))
	}
	for k := uint64(0); k < 40; k += 4 {
		tb.Delete(w, k)
	}
	tb.Sweep(w)
	w.Release()

	require.NoError(t, tb.Destroy())
	require.Equal(t, 0, tb.Size())
	require.Equal(t, 0, tb.Len())
	require.Equal(t, 0, tb.Retired())
	require.Nil(t, tb.head.next.Load())

	require.ErrorIs(t, tb.Destroy(), ErrDestroyed)
	require.PanicsWithValue(t, ErrDestroyed, func() { tb.Find(nil, 1) })
	require.PanicsWithValue(t, ErrDestroyed, func() { tb.Insert(nil, 1, 1) })
	require.PanicsWithValue(t, ErrDestroyed, func() { tb.Sweep(nil) })
}

func TestTable_NewInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialSize = 10
	_, err := New[int](cfg, nil, nil)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestTable_ConcurrentDisjoint(t *testing.T) {
	tb := newTable[uint64](t, func(c *Config) { c.InitialSize = 2 })

	const workers = 8
	const perWorker = 2000

	var g errgroup.Group
	for id := uint64(0); id < workers; id++ {
		g.Go(func() error {
			w := tb.Worker()
			defer w.Release()

			base := id * perWorker
			for k := base; k < base+perWorker; k++ {
				if !tb.Insert(w, k, k*3) {
					return fmt.Errorf("insert %d rejected", k)
				}
				if v, ok := tb.Find(w, k); !ok || v != k*3 {
					return fmt.Errorf("find %d after insert: %v %v", k, v, ok)
				}
			}
			for k := base; k < base+perWorker; k += 2 {
				if v, ok := tb.Delete(w, k); !ok || v != k*3 {
					return fmt.Errorf("delete %d: %v %v", k, v, ok)
				}
				if _, ok := tb.Find(w, k); ok {
					return fmt.Errorf("find %d after delete", k)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, workers*perWorker/2, tb.Len())
	for k := uint64(0); k < workers*perWorker; k++ {
		v, ok := tb.Find(nil, k)
		require.Equal(t, k%2 == 1, ok, "key %d", k)
		if ok {
			require.Equal(t, k*3, v)
		}
	}
	require.Greater(t, tb.Size(), 2)
	checkOrdered(t, tb)
	require.NoError(t, tb.Destroy())
}

func TestTable_ConcurrentSameKey(t *testing.T) {
	tb := newTable[int](t)

	const racers = 16
	var wins, deletes sync.WaitGroup
	won := make(chan int, racers)

	wins.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wins.Done()
			if tb.Insert(nil, 99, i) {
				won <- i
			}
		}()
	}
	wins.Wait()
	close(won)

	require.Len(t, won, 1, "exactly one insert of a key wins")
	winner := <-won
	v, ok := tb.Find(nil, 99)
	require.True(t, ok)
	require.Equal(t, winner, v)

	removed := make(chan int, racers)
	deletes.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer deletes.Done()
			if v, ok := tb.Delete(nil, 99); ok {
				removed <- v
			}
		}()
	}
	deletes.Wait()
	close(removed)

	require.Len(t, removed, 1, "exactly one delete of a key wins")
	require.Equal(t, winner, <-removed)
	require.Equal(t, 0, tb.Len())
}

func TestTable_ConcurrentBucketInit(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.InitialSize = 1024 })
	dir := tb.directory()

	const racers = 16
	got := make([]*node[int], racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			w := tb.Worker()
			defer w.Release()
			got[i] = tb.bucket(w, dir, 1023)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := range got {
		require.Same(t, got[0], got[i])
	}
	// 1023 has ten set bits, so ten sentinels, however many raced
	require.EqualValues(t, 10, testutil.ToFloat64(tb.metrics.bucketsInitialized))
	checkOrdered(t, tb)
}

func TestRun(t *testing.T) {
	n := 20_000
	if testing.Short() {
		n = 2_000
	}

	tb := newTable[int](t, func(c *Config) { c.InitialSize = 1 })
	tb.Insert(nil, 0, 123)

	ex := Executor{fake: false}

	t.Log("at start, table is", tb.Size(), "wide")
	t.Log("running", n, "inserts")

	for i := 1; i < n; i++ {
		ex.Go(func() {
			key := uint64(i)
			if !tb.Insert(nil, key, i) {
				t.Error("duplicate", key)
				return
			}
			v, ok := tb.Find(nil, key)
			if !ok || v != i {
				t.Error("missing", key, ok, v, "expected", i)
			}
		})
	}

	t.Log("waiting on inserts")
	ex.Wait()
	t.Log("table is", tb.Size(), "wide with", tb.Len(), "entries")

	if tb.Len() != n {
		t.Fatal("wrong count", tb.Len(), "expected", n)
	}

	t.Log("running", n/2, "deletes alongside finds")
	for i := 0; i < n; i++ {
		ex.Go(func() {
			key := uint64(i)
			if i%2 == 0 {
				if _, ok := tb.Delete(nil, key); !ok {
					t.Error("delete missed", key)
				}
			} else if _, ok := tb.Find(nil, key); !ok {
				t.Error("find missed", key)
			}
		})
	}
	ex.Wait()

	if tb.Len() != n/2 {
		t.Fatal("wrong count after deletes", tb.Len(), "expected", n/2)
	}
	checkOrdered(t, tb)

	swept := tb.Sweep(nil)
	t.Log("sweep unlinked", swept, "nodes,", tb.Retired(), "retired in total")
	if tb.Retired() != n/2 {
		t.Fatal("every deleted node should be retired after a sweep, got", tb.Retired())
	}
}

func TestTable_Protected(t *testing.T) {
	tb := newTable[int](t, func(c *Config) { c.ValueProtection = ProtectLongLived })
	a, b := tb.Worker(), tb.Worker()
	defer a.Release()
	defer b.Release()

	tb.Insert(a, 1, 10)
	tb.Find(a, 1)
	p := a.hazard(hpNext)
	require.True(t, tb.hazards.protected(p))
	require.False(t, tb.hazards.protected(unsafe.Pointer(new(int))))

	// the other worker's operations do not touch a's slots
	tb.Insert(b, 2, 20)
	tb.Find(b, 2)
	tb.Delete(b, 2)
	require.Equal(t, p, a.hazard(hpNext))
}
