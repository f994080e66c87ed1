package heap

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ni-webtech/appweb-4-sub000/scheduler"
)

// garbage allocates n unreachable nodes in short chains.
func garbage(t *testing.T, h *Heap, id ManagerID, n int, base int64) {
	t.Helper()
	var prev *node
	for i := 0; i < n; i++ {
		nd := newNode(t, h, id, base+int64(i), int64(i))
		if i%10 != 0 {
			nd.next = prev
		}
		prev = nd
	}
}

// checkNoLeak collects everything and checks that the heap returned to
// holding no memory at all.
func checkNoLeak(t *testing.T, h *Heap, m *nodeManager, want int) {
	t.Helper()
	collect(h)
	st := h.Stats()
	if st.Regions != 0 || st.BytesAllocated != 0 || st.BytesFree != 0 {
		t.Errorf("got %d regions, %d bytes allocated, %d free after collection; want none",
			st.Regions, st.BytesAllocated, st.BytesFree)
	}
	if got := m.count(); got != want {
		t.Errorf("got %d finalized nodes; want %d", got, want)
	}
	mustVerify(t, h)
}

func TestNoLeak(t *testing.T) {
	for _, workers := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := testConfig()
			cfg.Workers = workers
			h := newTestHeap(t, cfg)
			m := newNodeManager()
			id := h.RegisterManager(m)

			for round := 0; round < 3; round++ {
				base := int64(round * 10000)
				garbage(t, h, id, 5000, base)
				for i := 0; i < 100; i++ {
					if h.Alloc(100+i*7, 0) == nil {
						t.Fatal("allocation failed")
					}
				}
				// One block bigger than a region chunk.
				if h.Alloc(1<<20, AllocZero) == nil {
					t.Fatal("allocation failed")
				}
				checkNoLeak(t, h, m, 5000*(round+1))
			}
			if st := h.Stats(); st.Cycles == 0 || st.Unpins == 0 {
				t.Errorf("got %d cycles and %d released regions", st.Cycles, st.Unpins)
			}
		})
	}
}

func TestNoPrematureReclaim(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	id := h.RegisterManager(m)

	const length = 100
	head := newNode(t, h, id, 0, 0)
	h.AddRoot(unsafe.Pointer(head))
	tail := head
	for i := int64(1); i < length; i++ {
		n := newNode(t, h, id, i, i*i)
		tail.next = n
		tail = n
	}

	nextID := int64(length)
	for cycle := 0; cycle < 20; cycle++ {
		garbage(t, h, id, 500, int64(100000*(cycle+1)))

		// Replace one interior node with a fresh copy; the old one
		// becomes garbage.
		prev := head
		for i := 0; i < 1+cycle*3%(length-2); i++ {
			prev = prev.next
		}
		old := prev.next
		n := newNode(t, h, id, nextID, old.value)
		nextID++
		n.next = old.next
		prev.next = n

		h.RequestGC(nil, GCForce|GCWait)

		i := 0
		for n := head; n != nil; n = n.next {
			if !h.IsValid(unsafe.Pointer(n)) {
				t.Fatalf("cycle %d: node %d reclaimed while reachable", cycle, i)
			}
			if m.wasFreed(n.id) {
				t.Fatalf("cycle %d: node %d finalized while reachable", cycle, n.id)
			}
			if want := int64(i * i); n.value != want {
				t.Fatalf("cycle %d: node %d holds %d; want %d", cycle, i, n.value, want)
			}
			i++
		}
		if i != length {
			t.Fatalf("cycle %d: list has %d nodes; want %d", cycle, i, length)
		}
		mustVerify(t, h)
	}
	if got := h.Stats().Cycles; got != 20 {
		t.Errorf("got %d cycles; want 20", got)
	}
}

func TestCycleSafety(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	id := h.RegisterManager(m)

	a := newNode(t, h, id, 1, 10)
	b := newNode(t, h, id, 2, 20)
	c := newNode(t, h, id, 3, 30)
	a.next, b.next, c.next = b, c, a
	self := newNode(t, h, id, 4, 40)
	self.next = self
	h.AddRoot(unsafe.Pointer(a))
	h.AddRoot(unsafe.Pointer(self))

	done := make(chan struct{})
	go func() {
		defer close(done)
		collect(h)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("collection of a cyclic structure did not finish")
	}
	if n := m.count(); n != 0 {
		t.Fatalf("got %d nodes finalized while reachable", n)
	}
	for _, n := range []*node{a, b, c, self} {
		if n.value != n.id*10 {
			t.Errorf("for node %d, got value %d", n.id, n.value)
		}
	}

	h.RemoveRoot(unsafe.Pointer(a))
	h.RemoveRoot(unsafe.Pointer(self))
	h.RequestGC(nil, GCForce|GCWait)
	h.RequestGC(nil, GCForce|GCWait)
	for nid := int64(1); nid <= 4; nid++ {
		if !m.wasFreed(nid) {
			t.Errorf("node %d not reclaimed after its root was removed", nid)
		}
	}
	mustVerify(t, h)
}

func TestUnlinkedTailIsReclaimed(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	id := h.RegisterManager(m)

	r := newNode(t, h, id, 1, 100)
	a := newNode(t, h, id, 2, 200)
	b := newNode(t, h, id, 3, 300)
	c := newNode(t, h, id, 4, 400)
	r.next, a.next, b.next = a, b, c
	h.AddRoot(unsafe.Pointer(r))

	collect(h)
	if n := m.count(); n != 0 {
		t.Fatalf("got %d nodes finalized while reachable", n)
	}

	// b and c are reclaimed below; only their addresses are used afterwards.
	tests := []struct {
		name  string
		id    int64
		freed bool
	}{
		{"r", r.id, false},
		{"a", a.id, false},
		{"b", b.id, true},
		{"c", c.id, true},
	}
	a.next = nil
	collect(h)

	for _, tt := range tests {
		if got := m.wasFreed(tt.id); got != tt.freed {
			t.Errorf("for node %s, got freed %v; want %v", tt.name, got, tt.freed)
		}
	}
	if r.value != 100 || a.value != 200 || r.next != a {
		t.Errorf("surviving nodes corrupted: r=%d a=%d", r.value, a.value)
	}
	if h.IsValid(unsafe.Pointer(b)) || h.IsValid(unsafe.Pointer(c)) {
		t.Error("unlinked nodes still valid")
	}
	mustVerify(t, h)
}

func TestFinalizeBeforeReclaim(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	var checked, failures atomic.Int64
	m.onFree = func(h *Heap, n *node) {
		p := n.next
		if p == nil {
			return
		}
		checked.Add(1)
		// The partner dies in the same sweep and must still be intact.
		if !h.IsDead(unsafe.Pointer(p)) || p.id != n.id^1 || p.value != p.id*3 || p.next != n {
			failures.Add(1)
		}
	}
	id := h.RegisterManager(m)

	const pairs = 500
	for i := int64(0); i < pairs; i++ {
		x := newNode(t, h, id, 2*i, 6*i)
		y := newNode(t, h, id, 2*i+1, 3*(2*i+1))
		x.next, y.next = y, x
	}
	h.RequestGC(nil, GCForce|GCWait)

	if got := checked.Load(); got != 2*pairs {
		t.Errorf("got %d finalizer checks; want %d", got, 2*pairs)
	}
	if got := failures.Load(); got != 0 {
		t.Errorf("got %d finalizers that saw a reclaimed partner", got)
	}
	mustVerify(t, h)
}

func TestHoldRelease(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	id := h.RegisterManager(m)

	n := newNode(t, h, id, 1, 11)
	child := newNode(t, h, id, 2, 22)
	n.next = child
	h.Hold(unsafe.Pointer(n))

	collect(h)
	if m.count() != 0 || !h.IsValid(unsafe.Pointer(n)) || !h.IsValid(unsafe.Pointer(child)) {
		t.Fatal("held node or its child was reclaimed")
	}
	if n.value != 11 || child.value != 22 {
		t.Errorf("got values %d, %d; want 11, 22", n.value, child.value)
	}

	h.Release(unsafe.Pointer(n))
	collect(h)
	if !m.wasFreed(1) || !m.wasFreed(2) {
		t.Error("released node was not reclaimed")
	}
	mustVerify(t, h)
}

func TestRevive(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	var revived atomic.Bool
	m.onFree = func(h *Heap, n *node) {
		if n.id == 7 && !revived.Swap(true) {
			h.Revive(unsafe.Pointer(n))
			h.AddRoot(unsafe.Pointer(n))
		}
	}
	id := h.RegisterManager(m)

	var survivor *node
	for i := int64(0); i < 10; i++ {
		n := newNode(t, h, id, i, i+100)
		if i == 7 {
			survivor = n
		}
	}
	h.RequestGC(nil, GCForce|GCWait)

	if !h.IsValid(unsafe.Pointer(survivor)) || survivor.value != 107 {
		t.Fatal("revived node was reclaimed")
	}
	if got := m.count(); got != 10 {
		t.Errorf("got %d finalizer calls; want 10", got)
	}

	// Now rooted, it survives without help.
	h.RequestGC(nil, GCForce|GCWait)
	if !h.IsValid(unsafe.Pointer(survivor)) {
		t.Fatal("rooted revived node was reclaimed")
	}

	h.RemoveRoot(unsafe.Pointer(survivor))
	h.RequestGC(nil, GCForce|GCWait)
	if h.IsValid(unsafe.Pointer(survivor)) {
		t.Error("revived node survived after its root was removed")
	}
	mustVerify(t, h)
}

func TestEnableGC(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := newNodeManager()
	id := h.RegisterManager(m)

	if prev := h.EnableGC(false); !prev {
		t.Error("collection was disabled from the start")
	}
	garbage(t, h, id, 100, 0)
	collect(h)
	if st := h.Stats(); st.Cycles != 0 || m.count() != 0 {
		t.Fatalf("disabled collector ran %d cycles", st.Cycles)
	}

	if prev := h.EnableGC(true); prev {
		t.Error("EnableGC(true) reported it was already on")
	}
	checkNoLeak(t, h, m, 100)
}

func TestRequestGCQuota(t *testing.T) {
	cfg := testConfig()
	cfg.EarlyQuota = 50
	h := newTestHeap(t, cfg)
	m := newNodeManager()
	id := h.RegisterManager(m)

	garbage(t, h, id, 10, 0)
	h.RequestGC(nil, GCWait)
	if got := h.Stats().Cycles; got != 0 {
		t.Fatalf("got %d cycles below the early quota; want 0", got)
	}

	garbage(t, h, id, 100, 10)
	h.RequestGC(nil, GCWait)
	if got := h.Stats().Cycles; got != 1 {
		t.Fatalf("got %d cycles above the early quota; want 1", got)
	}
	if got := m.count(); got != 110 {
		t.Errorf("got %d finalized nodes; want 110", got)
	}
}

func TestIdleCollection(t *testing.T) {
	cfg := testConfig()
	cfg.NewQuota = 10
	cfg.IdlePeriod = 5 * time.Millisecond
	cfg.Threads = scheduler.NewThreadService()
	mon := scheduler.NewMonitor(cfg.Threads, cfg.Logger)
	cfg.Dispatcher = mon
	h := newTestHeap(t, cfg)
	t.Cleanup(mon.Stop)

	m := newNodeManager()
	id := h.RegisterManager(m)

	// The idle event collects on the monitor thread, so the allocating
	// goroutine has to take part in the rendezvous.
	th := cfg.Threads.Register("test")
	defer th.Unregister()
	garbage(t, h, id, 50, 0)
	th.Yield(scheduler.YieldSticky)

	deadline := time.Now().Add(10 * time.Second)
	for m.count() != 50 {
		if time.Now().After(deadline) {
			t.Fatalf("idle collection finalized %d of 50 nodes", m.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Stats().Cycles; got == 0 {
		t.Error("no cycle was counted")
	}
}

func TestQuotaTriggerBeforeStart(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.NewQuota = 100
	cfg.Exit = func(code int) { t.Errorf("unexpected exit(%d)", code) }
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Destroy() })

	// The blocks are never written: a cycle may reclaim them at any time.
	for i := 0; i < 200; i++ {
		h.Alloc(32, 0)
	}
	if h.gc.triggered.Load() {
		t.Fatal("quota trigger latched before Start")
	}

	h.Start()
	for i := 0; i < 500; i++ {
		h.Alloc(32, 0)
	}
	deadline := time.Now().Add(10 * time.Second)
	for h.Stats().Cycles == 0 {
		if time.Now().After(deadline) {
			t.Fatal("allocation quota never started a cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Close()
	for i := 0; i < 200; i++ {
		h.Alloc(32, 0)
	}
	if h.gc.triggered.Load() {
		t.Error("quota trigger latched after Close")
	}
}

func TestYieldRunsQuotaCycles(t *testing.T) {
	cfg := testConfig()
	cfg.NewQuota = 10
	h := newTestHeap(t, cfg)
	m := newNodeManager()
	id := h.RegisterManager(m)

	th := h.Threads().Register("test")
	defer th.Unregister()
	garbage(t, h, id, 50, 0)
	if got := h.Stats().Cycles; got != 0 {
		t.Fatalf("got %d cycles before a safe point; want 0", got)
	}

	h.Yield(th)
	if got := h.Stats().Cycles; got != 1 {
		t.Errorf("got %d cycles after Yield; want 1", got)
	}
	if got := m.count(); got != 50 {
		t.Errorf("got %d finalized nodes; want 50", got)
	}
	if th.Yielded() {
		t.Error("thread still yielded after Yield returned")
	}

	h.Yield(th)
	if got := h.Stats().Cycles; got != 1 {
		t.Errorf("got %d cycles with nothing queued; want 1", got)
	}
	mustVerify(t, h)
}

func TestYieldLivenessWithGC(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := testConfig()
			cfg.Workers = workers
			cfg.NewQuota = 500
			h := newTestHeap(t, cfg)
			m := newNodeManager()
			id := h.RegisterManager(m)
			ts := h.Threads()

			const (
				threads    = 4
				iterations = 3000
			)
			var running atomic.Int64
			g := new(errgroup.Group)
			for k := 0; k < threads; k++ {
				k := int64(k)
				running.Add(1)
				g.Go(func() error {
					defer running.Add(-1)
					th := ts.Register(fmt.Sprintf("mutator-%d", k))
					defer th.Unregister()

					head := NewObj[node](h, id)
					if head == nil {
						return errors.New("allocation failed")
					}
					h.AddRoot(unsafe.Pointer(head))
					defer h.RemoveRoot(unsafe.Pointer(head))

					for i := int64(0); i < iterations; i++ {
						n := NewObj[node](h, id)
						if n == nil {
							return errors.New("allocation failed")
						}
						n.id = k<<32 | i
						n.value = n.id * 7
						n.next = head.next
						head.next = n
						if i%64 == 0 {
							head.next = nil
						}

						th.Yield(0)
						if h.marking.Load() {
							return errors.Newf("mutator-%d resumed while marking", k)
						}
						for n := head.next; n != nil; n = n.next {
							if n.value != n.id*7 || m.wasFreed(n.id) {
								return errors.Newf("mutator-%d: node %#x reclaimed while reachable", k, n.id)
							}
						}
						if i%500 == 0 {
							h.RequestGC(th, GCForce|GCWait)
						}
					}
					return nil
				})
			}

			// Forced collections from an unregistered goroutine while the
			// mutators run.
			g.Go(func() error {
				for running.Load() > 0 {
					h.RequestGC(nil, GCForce|GCWait)
					time.Sleep(time.Millisecond)
				}
				return nil
			})

			done := make(chan error, 1)
			go func() { done <- g.Wait() }()
			select {
			case err := <-done:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(60 * time.Second):
				t.Fatal("mutators or collector deadlocked")
			}

			st := h.Stats()
			if st.Cycles == 0 {
				t.Error("no collection completed")
			}
			if st.Aborted != 0 {
				t.Errorf("got %d abandoned cycles; want 0", st.Aborted)
			}
			// Every node, heads included, is finalized exactly once.
			checkNoLeak(t, h, m, threads*(iterations+1))
		})
	}
}

func TestTimeoutAbort(t *testing.T) {
	for _, workers := range []int{0, 1} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := testConfig()
			cfg.Workers = workers
			cfg.SyncTimeout = 50 * time.Millisecond
			h := newTestHeap(t, cfg)
			m := newNodeManager()
			id := h.RegisterManager(m)

			busy := h.Threads().Register("busy") // never yields
			if got, want := h.Threads().Len(), workers+1; got != want {
				t.Errorf("got %d registered threads; want %d", got, want)
			}
			garbage(t, h, id, 200, 0)

			done := make(chan struct{})
			go func() {
				defer close(done)
				h.RequestGC(nil, GCForce|GCWait)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("RequestGC hung on a thread that never yields")
			}

			st := h.Stats()
			if st.Aborted != 1 || st.Cycles != 0 {
				t.Errorf("got %d aborted and %d completed cycles; want 1 and 0", st.Aborted, st.Cycles)
			}
			if got := m.count(); got != 0 {
				t.Errorf("abandoned cycle finalized %d nodes", got)
			}
			if h.Threads().MustYield() {
				t.Error("pause still requested after the cycle was abandoned")
			}
			mustVerify(t, h)

			busy.Unregister()
			garbage(t, h, id, 300, 1000)
			checkNoLeak(t, h, m, 500)
		})
	}
}
