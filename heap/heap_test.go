package heap

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/exp/slog"
)

// exitRecorder stands in for os.Exit.
type exitRecorder struct {
	calls atomic.Int64
	code  atomic.Int64
}

func (e *exitRecorder) exit(code int) {
	e.calls.Add(1)
	e.code.Store(int64(code))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.Backend = GoBackend()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Scribble = true
	cfg.Verify = true
	cfg.Track = true
	cfg.SyncTimeout = 10 * time.Second
	return cfg
}

// newTestHeap returns a started heap that is destroyed when the test ends.
// Unexpected calls to Exit fail the test.
func newTestHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	if cfg.Exit == nil {
		cfg.Exit = func(code int) { t.Errorf("unexpected exit(%d)", code) }
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.Start()
	t.Cleanup(func() { _ = h.Destroy() })
	return h
}

func mustVerify(t *testing.T, h *Heap) {
	t.Helper()
	if err := h.Verify(); err != nil {
		t.Fatalf("verify: %+v", err)
	}
}

// freeForTest reclaims the block at p as the sweeper would.
func freeForTest(h *Heap, p unsafe.Pointer) {
	mp := memOf(p)
	r := h.regionOf(uintptr(unsafe.Pointer(mp)))
	if r == nil {
		panic("freeForTest: pointer outside the heap")
	}
	h.freeBlock(r, mp)
}

// node is the managed test object: a singly linked list cell.
type node struct {
	next  *node
	id    int64
	value int64
}

// nodeManager marks node.next and records which nodes were finalized.
type nodeManager struct {
	mu     sync.Mutex
	freed  map[int64]int
	onFree func(h *Heap, n *node)
}

func newNodeManager() *nodeManager {
	return &nodeManager{freed: make(map[int64]int)}
}

func (m *nodeManager) Mark(h *Heap, p unsafe.Pointer) {
	h.Mark(unsafe.Pointer((*node)(p).next))
}

func (m *nodeManager) Free(h *Heap, p unsafe.Pointer) {
	n := (*node)(p)
	m.mu.Lock()
	m.freed[n.id]++
	m.mu.Unlock()
	if m.onFree != nil {
		m.onFree(h, n)
	}
}

func (m *nodeManager) wasFreed(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freed[id] > 0
}

func (m *nodeManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.freed {
		n += c
	}
	return n
}

func newNode(t *testing.T, h *Heap, id ManagerID, nid, value int64) *node {
	t.Helper()
	n := NewObj[node](h, id)
	if n == nil {
		t.Fatal("allocation failed")
	}
	n.id, n.value = nid, value
	return n
}

// collect runs a complete collection and waits for it.
func collect(h *Heap) {
	h.RequestGC(nil, GCForce|GCComplete|GCWait)
}
