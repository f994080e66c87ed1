package heap

import (
	"math/bits"
	"unsafe"
)

// Free queues.
//
// Free blocks are kept in segregated, doubly linked circular queues. Sizes
// are bucketed by the position of their most significant bit (the group)
// refined by the next bucketShift bits (the bucket), so every group spans a
// power of two split into numBuckets equal steps. Sizes are counted in
// allocAlign units, and sizes below numBuckets units get a queue each in
// group 0.
//
// groupMap has a bit set for every group with at least one non-empty queue,
// bucketMap[g] a bit for every non-empty queue in group g. A search masks off
// everything below the wanted queue and takes the lowest remaining bit, so
// the cost does not depend on how fragmented the heap is.

const (
	bucketShift = 4
	numBuckets  = 1 << bucketShift

	// One group per possible msb position of a size in units, plus one so
	// rounding up the largest size still lands on a valid (empty) group.
	numGroups = sizeBits - alignShift - bucketShift + 2
	numQueues = numGroups * numBuckets
)

// queueIndex maps a block size to its free queue. With roundUp false it
// returns the queue a free block of that size is linked on. With roundUp
// true it returns the lowest queue whose every block is at least size bytes,
// which is where an allocation of size starts searching.
func queueIndex(size uintptr, roundUp bool) (group, bucket uint) {
	a := size >> alignShift
	if a < numBuckets {
		return 0, uint(a)
	}

	// a has its msb at bit msb, the bucket is the next bucketShift bits
	// below it and whatever lies below those is lost to the bucketing.
	msb := uint(bits.Len64(uint64(a))) - 1
	shift := msb - bucketShift
	group = shift + 1
	bucket = uint(a>>shift) & (numBuckets - 1)

	if roundUp && a&(1<<shift-1) != 0 {
		// a is above the minimum of its queue, so the queue may hold
		// blocks that are too small. Move to the next one.
		bucket++
		if bucket == numBuckets {
			bucket = 0
			group++
		}
	}
	return group, bucket
}

// queueMin returns the smallest block size linked on the given queue.
func queueMin(group, bucket uint) uintptr {
	if group == 0 {
		return uintptr(bucket) << alignShift
	}
	return uintptr(numBuckets+bucket) << (group - 1) << alignShift
}

// linkFree marks mp free and pushes it on the head of its queue.
//
// h.lock must be held.
func (h *Heap) linkFree(mp *mem) {
	assertLockHeld(&h.lock)

	size := mp.size()
	group, bucket := queueIndex(size, false)
	qi := group*numBuckets + bucket

	mp.store(makeState(size, genEternal, genEternal, true))
	fp := (*freeMem)(unsafe.Pointer(mp))
	if head := h.freeq[qi]; head == nil {
		fp.next, fp.prev = fp, fp
		h.freeq[qi] = fp
	} else {
		fp.next, fp.prev = head, head.prev
		head.prev.next = fp
		head.prev = fp
		h.freeq[qi] = fp
	}
	h.bucketMap[group].set(bucket)
	h.groupMap.set(group)
	h.stats.bytesFree.Add(int64(size))

	if h.cfg.Scribble {
		scribble(fp)
	}
}

// unlinkFree removes fp from its queue. The caller owns the block afterwards
// and must give it a new state.
//
// h.lock must be held.
func (h *Heap) unlinkFree(fp *freeMem) {
	assertLockHeld(&h.lock)

	size := fp.size()
	group, bucket := queueIndex(size, false)
	qi := group*numBuckets + bucket

	if fp.next == fp {
		if h.freeq[qi] != fp {
			throw("free block not on its queue")
		}
		h.freeq[qi] = nil
		h.bucketMap[group].clear(bucket)
		if h.bucketMap[group] == 0 {
			h.groupMap.clear(group)
		}
	} else {
		fp.prev.next = fp.next
		fp.next.prev = fp.prev
		if h.freeq[qi] == fp {
			h.freeq[qi] = fp.next
		}
	}
	fp.next, fp.prev = nil, nil
	h.stats.bytesFree.Add(-int64(size))

	if h.cfg.Scribble && h.cfg.Verify && !scribbled(fp) {
		throw("free block modified after free")
	}
}

// searchFree returns the first free block on the lowest non-empty queue
// that only holds blocks of at least size bytes, or nil.
//
// h.lock must be held.
func (h *Heap) searchFree(size uintptr) *freeMem {
	assertLockHeld(&h.lock)

	group, bucket := queueIndex(size, true)
	if group >= numGroups {
		return nil
	}

	b := h.bucketMap[group].find(bucket)
	if b < 0 {
		// Nothing left in this group, take the smallest bucket of the
		// next non-empty group.
		g := h.groupMap.find(group + 1)
		if g < 0 {
			return nil
		}
		group = uint(g)
		b = h.bucketMap[group].find(0)
		if b < 0 {
			throw("group bit set for empty group")
		}
	}

	fp := h.freeq[group*numBuckets+uint(b)]
	if fp == nil {
		throw("bucket bit set for empty queue")
	}
	return fp
}

// scribbleArea returns the payload of a free block past its queue links.
func scribbleArea(fp *freeMem) []byte {
	start := unsafe.Sizeof(freeMem{})
	size := fp.size()
	if size <= start {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(fp), start)), size-start)
}

func scribble(fp *freeMem) {
	b := scribbleArea(fp)
	for i := range b {
		b[i] = scribbleByte
	}
}

func scribbled(fp *freeMem) bool {
	for _, c := range scribbleArea(fp) {
		if c != scribbleByte {
			return false
		}
	}
	return true
}
