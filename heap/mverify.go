package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

func corruptf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorrupt)
}

// Verify checks the consistency of every region and free queue and returns
// the first problem found. All returned errors match ErrCorrupt.
//
// It holds the heap lock throughout, so it stalls allocation for as long as
// the walk takes.
func (h *Heap) Verify() error {
	h.lock.lock()
	defer h.lock.unlock()

	var freeBlocks, freeBytes uintptr
	for r := h.regions.Load(); r != nil; r = r.next.Load() {
		if r.freeable {
			// Being released by the sweeper.
			continue
		}
		var (
			prior *mem
			total uintptr
		)
		for mp := r.first(); ; {
			off := uintptr(unsafe.Pointer(mp)) - r.base
			if !mp.valid() {
				return corruptf("region %#x: block at offset %d: bad magic %#x", r.base, off, mp.magic)
			}
			if mp.prior != prior {
				return corruptf("region %#x: block at offset %d: prior link broken", r.base, off)
			}
			s := mp.load()
			size := s.size()
			if size < minBlock || size&(allocAlign-1) != 0 || total+size > r.size() {
				return corruptf("region %#x: block at offset %d: bad size %d", r.base, off, size)
			}
			total += size
			if s.free() {
				if s.gen() != genEternal {
					return corruptf("region %#x: free block at offset %d has generation %d", r.base, off, s.gen())
				}
				if mp.hasManager() {
					return corruptf("region %#x: free block at offset %d has a manager", r.base, off)
				}
				freeBlocks++
				freeBytes += size
			}
			last := total == r.size()
			if mp.isLast() != last {
				return corruptf("region %#x: block at offset %d: last flag %v; want %v", r.base, off, mp.isLast(), last)
			}
			if last {
				break
			}
			prior = mp
			mp = r.after(mp)
		}
	}

	var queued, queuedBytes uintptr
	for g := uint(0); g < numGroups; g++ {
		groupHasBlocks := false
		for b := uint(0); b < numBuckets; b++ {
			head := h.freeq[g*numBuckets+b]
			if (head != nil) != (h.bucketMap[g].get(b) == 1) {
				return corruptf("queue %d/%d: bucket bit disagrees with queue", g, b)
			}
			if head == nil {
				continue
			}
			groupHasBlocks = true
			fp := head
			for {
				s := fp.load()
				if !s.free() {
					return corruptf("queue %d/%d: block %p is not free", g, b, fp)
				}
				if qg, qb := queueIndex(s.size(), false); qg != g || qb != b {
					return corruptf("queue %d/%d: block %p of size %d belongs on %d/%d", g, b, fp, s.size(), qg, qb)
				}
				if fp.next.prev != fp {
					return corruptf("queue %d/%d: block %p: broken links", g, b, fp)
				}
				if h.cfg.Scribble && !scribbled(fp) {
					return corruptf("queue %d/%d: block %p modified after free", g, b, fp)
				}
				queued++
				queuedBytes += s.size()
				if fp = fp.next; fp == head {
					break
				}
				if queued > freeBlocks {
					return corruptf("queue %d/%d: more queued blocks than free blocks", g, b)
				}
			}
		}
		if groupHasBlocks != (h.groupMap.get(g) == 1) {
			return corruptf("group %d: group bit disagrees with buckets", g)
		}
	}

	if queued != freeBlocks {
		return corruptf("%d free blocks in regions but %d on free queues", freeBlocks, queued)
	}
	if queuedBytes != freeBytes || int64(freeBytes) != h.stats.bytesFree.Load() {
		return corruptf("free bytes: regions %d, queues %d, stats %d", freeBytes, queuedBytes, h.stats.bytesFree.Load())
	}
	return nil
}
