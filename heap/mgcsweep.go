package heap

import (
	"unsafe"
)

// Sweeper.
//
// The sweeper walks every region once per pass, stepping from block to
// block by size without taking the heap lock. Blocks of the dead generation
// are garbage. The walk starts from a snapshot of the region list head;
// regions added while it runs are all newer than the mark and hold nothing
// dead.
//
// Sweeping takes two passes. The first calls Finalizer.Free on every dead
// block with a manager, the second reclaims them. Doing all finalization
// before any reclamation lets a finalizer read sibling objects that are
// dying in the same cycle.
//
// Only the sweeper merges free blocks. Merging rewrites the prior pointer
// of the block after the merged span, which is only safe while nobody else
// is splitting, so it is done under the heap lock.

// sweep reclaims every block of the dead generation.
func (h *Heap) sweep() {
	dead := h.dead.Load()
	head := h.regions.Load()

	for r := head; r != nil; r = r.next.Load() {
		for mp := r.first(); mp != nil; mp = r.after(mp) {
			s := mp.load()
			if s.free() || s.gen() != dead || !mp.hasManager() {
				continue
			}
			if fin, ok := h.manager(mp).(Finalizer); ok {
				fin.Free(h, mp.ptr())
			}
		}
	}

	for r := head; r != nil; {
		next := r.next.Load()
		for mp := r.first(); mp != nil; {
			h.stats.sweepVisited.Add(1)
			// Re-read: a finalizer may have revived the block.
			if s := mp.load(); !s.free() && s.gen() == dead {
				mp = h.freeBlock(r, mp)
				continue
			}
			mp = r.after(mp)
		}
		if r.freeable {
			h.releaseRegion(r)
		}
		r = next
	}
}

// freeBlock reclaims the dead block mp, merging it with free neighbours, and
// returns the block following the merged span, or nil at the end of r.
// A span that ends up covering all of r is not linked on a free queue;
// r is marked freeable instead so the caller can release it.
func (h *Heap) freeBlock(r *region, mp *mem) *mem {
	if h.cfg.Track {
		h.namesMu.Lock()
		delete(h.names, mp)
		h.namesMu.Unlock()
	}

	h.lock.lock()
	size := mp.size()
	last := mp.isLast()
	h.stats.swept.Add(1)
	h.stats.freed.Add(uint64(size))

	if !last {
		if after := (*mem)(unsafe.Add(unsafe.Pointer(mp), size)); after.load().free() {
			h.unlinkFree((*freeMem)(unsafe.Pointer(after)))
			size += after.size()
			last = after.isLast()
			after.magic = 0
			h.stats.joins.Add(1)
		}
	}
	if prior := mp.prior; prior != nil && prior.load().free() {
		h.unlinkFree((*freeMem)(unsafe.Pointer(prior)))
		size += prior.size()
		mp.magic = 0
		mp = prior
		h.stats.joins.Add(1)
	}

	mp.setInfo(last, false)
	mp.store(makeState(size, genEternal, genEternal, true))

	var next *mem
	if !last {
		next = (*mem)(unsafe.Add(unsafe.Pointer(mp), size))
		next.prior = mp
	}
	if mp.prior == nil && last {
		r.freeable = true
	} else {
		h.linkFree(mp)
	}
	h.lock.unlock()
	return next
}
