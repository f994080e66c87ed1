package heap

import (
	"unsafe"
)

// Memory allocator.
//
// The main allocator works in regions. A region is a contiguous chunk of
// memory, at least Config.ChunkSize bytes, obtained from the Backend and
// tiled by blocks. A block is a header followed by its payload and, for
// blocks with a manager, a trailing word holding the ManagerID.
//
// The allocator's data structures are:
//
//	region: a chunk of backend memory, on the heap's region list.
//	mem: a block header, at the start of every block.
//	freeMem: a free block, linked on one of the free queues.
//
// Allocating a block proceeds up a hierarchy:
//
//  1. Round the request up to a block size and find the first free queue
//     guaranteed to hold blocks at least that big. Take the first block
//     of the lowest non-empty queue at or above it, using the group and
//     bucket bitmaps. Split off what is not needed.
//
//  2. If no queue has a large enough block, obtain a new region from the
//     backend, carve the block from its start and put the rest on the free
//     queues.
//
// Blocks are never freed by the program. The sweeper frees unreachable
// blocks, merging them with free neighbours, and returns regions that
// become entirely free to the backend.

// AllocFlags modify an allocation.
type AllocFlags int

const (
	// AllocManager reserves room for a ManagerID at the end of the block.
	AllocManager AllocFlags = 1 << iota
	// AllocZero zero-fills the payload.
	AllocZero
)

// ManagerID identifies a Manager registered with RegisterManager. The zero
// ID means no manager.
type ManagerID uintptr

// NoManager is the ManagerID of blocks without a manager.
const NoManager ManagerID = 0

// Alloc allocates size bytes and returns a pointer to them, or nil if the
// memory could not be obtained. The block is reclaimed by the collector once
// it is no longer reachable, so the caller must link it into a reachable
// structure, root it or hold it before its thread next yields.
//
// Memory is 16-byte aligned. It is zeroed only with AllocZero, or when it
// comes straight from a new region.
func (h *Heap) Alloc(size int, flags AllocFlags) unsafe.Pointer {
	if size < 0 {
		return nil
	}
	mp := h.allocMem(uintptr(size), flags)
	if mp == nil {
		return nil
	}
	return mp.ptr()
}

// AllocObj allocates a zeroed block of size bytes managed by id.
func (h *Heap) AllocObj(size int, id ManagerID) unsafe.Pointer {
	flags := AllocZero
	if id != NoManager {
		flags |= AllocManager
	}
	p := h.Alloc(size, flags)
	if p != nil && id != NoManager {
		h.SetManager(p, id)
	}
	return p
}

// NewObj allocates a zeroed T managed by id. T must not contain pointers
// into memory owned by the Go runtime.
func NewObj[T any](h *Heap, id ManagerID) *T {
	var zero T
	return (*T)(h.AllocObj(int(unsafe.Sizeof(zero)), id))
}

func (h *Heap) allocMem(usize uintptr, flags AllocFlags) *mem {
	if h.destroyed.Load() {
		return nil
	}
	manager := flags&AllocManager != 0
	if usize > maxBlock-headerSize-managerSize-allocAlign {
		h.allocException(CauseTooBig, int64(h.stats.bytesAllocated.load()), maxBlock)
		return nil
	}
	required := blockSize(usize, manager)
	h.stats.requests.Add(1)

	h.lock.lock()
	fp := h.searchFree(required)
	if fp == nil {
		h.lock.unlock()
		mp := h.growHeap(required, manager)
		if mp == nil {
			return nil
		}
		h.noteAlloc()
		return mp
	}

	h.unlinkFree(fp)
	mp := &fp.mem
	h.splitBlock(mp, required)
	h.claim(mp, manager)
	h.lock.unlock()

	h.stats.reuse.Add(1)
	if flags&AllocZero != 0 {
		clear(mp.payload())
	}
	h.noteAlloc()
	return mp
}

// noteAlloc counts an allocation towards the collection quota.
func (h *Heap) noteAlloc() {
	if h.newCount.Add(1) > h.cfg.NewQuota {
		h.triggerGC()
	}
}

// Realloc grows the block at ptr to at least size bytes and returns the new
// address. Bytes beyond the old size are zeroed. If the block is already big
// enough ptr is returned unchanged. The old block is left for the collector.
// A nil ptr allocates a new zeroed block.
func (h *Heap) Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	if ptr == nil {
		return h.Alloc(size, AllocZero)
	}
	if size < 0 {
		return nil
	}
	mp := memOf(ptr)
	h.checkBlock(mp)
	if uintptr(size) <= mp.usable() {
		return ptr
	}

	flags := AllocZero
	if mp.hasManager() {
		flags |= AllocManager
	}
	np := h.allocMem(uintptr(size), flags)
	if np == nil {
		return nil
	}
	copy(np.payload(), mp.payload())
	if mp.hasManager() {
		*np.managerSlot() = *mp.managerSlot()
	}
	if h.cfg.Track {
		if name := h.Name(ptr); name != "" {
			h.SetName(np.ptr(), name)
		}
	}
	return np.ptr()
}

// MemDup allocates a copy of src.
func (h *Heap) MemDup(src []byte) unsafe.Pointer {
	p := h.Alloc(len(src), 0)
	if p == nil {
		return nil
	}
	copy(memOf(p).payload(), src)
	return p
}

// Bytes returns the usable bytes of the block at ptr.
func (h *Heap) Bytes(ptr unsafe.Pointer) []byte {
	mp := memOf(ptr)
	h.checkBlock(mp)
	return mp.payload()
}

// BlockSize returns the usable size of the block at ptr, which may exceed
// the size that was asked for.
func (h *Heap) BlockSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}
	mp := memOf(ptr)
	h.checkBlock(mp)
	return int(mp.usable())
}

// SetManager attaches the manager registered as id to the block at ptr. The
// block must have been allocated with AllocManager.
func (h *Heap) SetManager(ptr unsafe.Pointer, id ManagerID) {
	mp := memOf(ptr)
	h.checkBlock(mp)
	if !mp.hasManager() {
		throw("SetManager on block allocated without AllocManager")
	}
	if int(id) >= len(*h.managers.Load()) {
		throw("SetManager with unregistered manager")
	}
	*mp.managerSlot() = uintptr(id)
}

// Manager returns the id of the manager of the block at ptr.
func (h *Heap) Manager(ptr unsafe.Pointer) ManagerID {
	mp := memOf(ptr)
	if !mp.hasManager() {
		return NoManager
	}
	return ManagerID(*mp.managerSlot())
}

// SetName labels the block at ptr for PrintStats. Ignored unless the heap
// was configured with Track.
func (h *Heap) SetName(ptr unsafe.Pointer, name string) {
	if !h.cfg.Track || ptr == nil {
		return
	}
	h.namesMu.Lock()
	h.names[memOf(ptr)] = name
	h.namesMu.Unlock()
}

// Name returns the label set with SetName.
func (h *Heap) Name(ptr unsafe.Pointer) string {
	if !h.cfg.Track || ptr == nil {
		return ""
	}
	h.namesMu.Lock()
	defer h.namesMu.Unlock()
	return h.names[memOf(ptr)]
}

// IsValid reports whether ptr is the payload address of a live block.
func (h *Heap) IsValid(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}
	addr := uintptr(ptr)

	h.lock.lock()
	defer h.lock.unlock()
	r := h.regionOf(addr)
	if r == nil || r.freeable {
		return false
	}
	for mp := r.first(); mp != nil; mp = r.after(mp) {
		if mp.ptr() == ptr {
			return mp.valid() && !mp.load().free()
		}
		if uintptr(unsafe.Pointer(mp)) > addr {
			break
		}
	}
	return false
}
