// Package heap implements a region based, non-moving memory allocator with
// an integrated generational mark-sweep collector.
//
// Memory comes from a Backend in regions. Each region is carved into blocks
// that carry an in-band header; free blocks sit on segregated free queues
// indexed by a two-level bitmap. Nothing is ever freed explicitly: objects
// that cannot be reached from a root, a hold or another reachable object are
// reclaimed by the collector. Objects participate in marking through a
// Manager, which marks the blocks they reference and may release outside
// resources before the block is reclaimed.
//
// The collector stops the world cooperatively: it waits until every thread
// registered with the heap's scheduler.ThreadService has yielded, so threads
// must call Yield regularly at points where everything they use is reachable
// or held.
package heap

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/exp/slog"
	"golang.org/x/sys/cpu"

	"github.com/ni-webtech/appweb-4-sub000/scheduler"
)

// Heap is an allocator plus collector. Heaps are independent of each other;
// most programs need exactly one.
type Heap struct {
	// lock guards the free queues, the region list and the structural
	// fields of every block header.
	lock mutex
	_    cpu.CacheLinePad

	// rootLock guards roots and holds. It is separate from lock so adding a
	// root never waits behind an allocation that grows the heap.
	rootLock mutex
	_        cpu.CacheLinePad

	freeq     [numQueues]*freeMem
	groupMap  queueBits
	bucketMap [numGroups]queueBits

	// regions is the list of regions, newest first. Prepends and removals
	// happen under lock; the sweeper walks it without the lock from a
	// snapshot of the head.
	regions atomic.Pointer[region]

	// Current generations. Changed only while the world is stopped.
	active, dead atomic.Uint32

	marking     atomic.Bool
	markStack   []*mem           // owned by the marking goroutine
	rootScratch []unsafe.Pointer // ditto

	roots []unsafe.Pointer
	holds []unsafe.Pointer

	managersMu sync.Mutex
	managers   atomic.Pointer[[]Manager]

	newCount atomic.Int64 // allocations since the last collection started
	seqno    atomic.Uint64

	namesMu sync.Mutex
	names   map[*mem]string

	redline, maxMemory atomic.Int64
	policy             atomic.Int64
	notifier           atomic.Pointer[Notifier]
	inException        atomic.Bool
	hasError           atomic.Bool
	pruneRequested     atomic.Bool
	prunersMu          sync.Mutex
	pruners            []func()

	cfg       Config
	backend   Backend
	pageSize  uintptr
	chunkSize uintptr
	log       *slog.Logger
	threads   *scheduler.ThreadService
	cancels   []func()
	destroyed atomic.Bool

	gc    collector
	stats heapStats
}

// region is one contiguous chunk of backend memory, fully tiled by blocks.
type region struct {
	next atomic.Pointer[region]
	addrRange
	mem []byte

	// freeable is set by the sweeper, under the heap lock, when the region
	// has become a single unlinked free block and is about to be released.
	freeable bool
}

// New returns a heap configured by cfg. Collections only run once Start has
// been called.
func New(cfg Config) (*Heap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == nil {
		cfg.Backend = defaultBackend()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Threads == nil {
		cfg.Threads = scheduler.NewThreadService()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Restart == nil {
		cfg.Restart = restartProcess
	}

	h := &Heap{
		cfg:     cfg,
		backend: cfg.Backend,
		log:     cfg.Logger,
		threads: cfg.Threads,
	}
	h.pageSize = uintptr(cfg.Backend.PageSize())
	if h.pageSize == 0 || h.pageSize&(h.pageSize-1) != 0 {
		return nil, ErrInvalidConfig
	}
	h.chunkSize = alignUp(cfg.ChunkSize, h.pageSize)
	h.active.Store(0)
	h.dead.Store(1)
	h.redline.Store(cfg.Redline)
	h.maxMemory.Store(cfg.MaxMemory)
	h.policy.Store(int64(cfg.Policy))
	h.notifier.Store(&cfg.Notifier)
	if cfg.Track {
		h.names = make(map[*mem]string)
	}
	managers := []Manager{nil} // ManagerID 0 means none
	h.managers.Store(&managers)
	h.gc.init(h)
	return h, nil
}

// Threads returns the registry whose threads the collector synchronizes
// with.
func (h *Heap) Threads() *scheduler.ThreadService { return h.threads }

// Logger returns the heap's logger.
func (h *Heap) Logger() *slog.Logger { return h.log }

// Destroy stops the collector and returns every region to the backend.
// All memory allocated from h becomes invalid.
func (h *Heap) Destroy() error {
	h.Close()
	if h.destroyed.Swap(true) {
		return ErrClosed
	}

	h.lock.lock()
	head := h.regions.Swap(nil)
	h.freeq = [numQueues]*freeMem{}
	h.groupMap = 0
	h.bucketMap = [numGroups]queueBits{}
	h.stats.bytesFree.Store(0)
	h.lock.unlock()

	var firstErr error
	for r := head; r != nil; r = r.next.Load() {
		if err := sysFree(h.backend, r.mem, &h.stats.bytesAllocated); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// growHeap obtains a new region that fits a block of required bytes, carves
// that block off its start and links the remainder on the free queues.
// Returns the claimed block, or nil if the region could not be obtained.
func (h *Heap) growHeap(required uintptr, manager bool) *mem {
	size := required
	if size < h.chunkSize {
		size = h.chunkSize
	}
	size = alignUp(size, h.pageSize)
	if size > maxBlock {
		h.allocException(CauseTooBig, int64(size), maxBlock)
		return nil
	}
	if !h.checkLimits(size) {
		return nil
	}

	buf, err := sysAlloc(h.backend, size, MapRead|MapWrite, &h.stats.bytesAllocated)
	if err != nil {
		h.log.Error("heap: cannot obtain region", slog.Int64("size", int64(size)), slog.String("err", err.Error()))
		h.allocException(CauseFail, int64(h.stats.bytesAllocated.load())+int64(size), h.maxMemory.Load())
		return nil
	}

	r := &region{mem: buf}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	r.addrRange = makeAddrRange(base, base+size)
	mp := r.first()
	initHeader(mp, nil, makeState(size, genEternal, genEternal, false), true, false)

	h.lock.lock()
	r.next.Store(h.regions.Load())
	h.regions.Store(r)
	h.splitBlock(mp, required)
	h.claim(mp, manager)
	h.lock.unlock()

	h.stats.allocs.Add(1)
	h.log.Debug("heap: region added", slog.Int64("size", int64(size)), slog.Uint64("total", h.stats.bytesAllocated.load()))
	return mp
}

// splitBlock shrinks mp to required bytes if what is left over is worth a
// block of its own, and links the remainder on the free queues.
//
// The spare header is written completely before mp's size is shrunk: until
// then a concurrent walker still steps over the whole original block, and
// once it sees the new size the spare block is already valid.
//
// h.lock must be held.
func (h *Heap) splitBlock(mp *mem, required uintptr) {
	assertLockHeld(&h.lock)

	size := mp.size()
	if size < required+minSplit {
		return
	}
	last := mp.isLast()

	spare := (*mem)(unsafe.Add(unsafe.Pointer(mp), required))
	initHeader(spare, mp, makeState(size-required, genEternal, genEternal, true), last, false)
	if !last {
		after := (*mem)(unsafe.Add(unsafe.Pointer(mp), size))
		after.prior = spare
	}

	// Publish.
	mp.setSize(required)
	mp.setLast(false)

	h.linkFree(spare)
	h.stats.splits.Add(1)
}

// claim turns a block the caller has just taken off a free queue, or carved
// from a new region, into a live allocation of the active generation.
//
// h.lock must be held.
func (h *Heap) claim(mp *mem, manager bool) {
	assertLockHeld(&h.lock)

	mp.setInfo(mp.isLast(), manager)
	mp.magic = blockMagic
	mp.seqno = h.seqno.Add(1)
	if manager {
		*mp.managerSlot() = 0
	}
	gen := h.active.Load()
	mp.store(makeState(mp.size(), gen, gen, false))
}

func (r *region) first() *mem {
	return (*mem)(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// after returns the block following mp in r, or nil if mp is the last one.
// Safe without the heap lock: it only depends on mp's atomic size.
func (r *region) after(mp *mem) *mem {
	size := mp.size()
	if uintptr(unsafe.Pointer(mp))+size >= r.limit {
		return nil
	}
	return (*mem)(unsafe.Add(unsafe.Pointer(mp), size))
}

// regionOf returns the region containing addr, or nil.
func (h *Heap) regionOf(addr uintptr) *region {
	for r := h.regions.Load(); r != nil; r = r.next.Load() {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

func (h *Heap) regionCount() int {
	n := 0
	for r := h.regions.Load(); r != nil; r = r.next.Load() {
		n++
	}
	return n
}

// releaseRegion unlinks r and returns its memory to the backend. Only the
// sweeper releases regions, and only regions it marked freeable.
func (h *Heap) releaseRegion(r *region) {
	h.lock.lock()
	if head := h.regions.Load(); head == r {
		h.regions.Store(r.next.Load())
	} else {
		for p := head; p != nil; p = p.next.Load() {
			if p.next.Load() == r {
				p.next.Store(r.next.Load())
				break
			}
		}
	}
	h.lock.unlock()

	// r.next is left intact so a walker holding r can still move on.
	if err := sysFree(h.backend, r.mem, &h.stats.bytesAllocated); err != nil {
		h.log.Error("heap: cannot release region", slog.String("err", err.Error()))
	}
	h.stats.unpins.Add(1)
	h.log.Debug("heap: region released", slog.Int64("size", int64(r.size())))
}
