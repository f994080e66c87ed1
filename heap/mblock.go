package heap

import (
	"sync/atomic"
	"unsafe"
)

// Block header.
//
// Every block, allocated or free, starts with a mem header. The header holds
// two groups of fields with different concurrency rules:
//
//  1. Structural fields (prior, and the last/manager bits of info) say who
//     points to whom. They only change while the heap lock is held.
//  2. The state word packs {size, generation, mark, free}. It is read and
//     written atomically without the lock, because the marker updates
//     generation and mark while mutators are splitting blocks and a sweeper
//     may be walking a region by size.
//
// The state word layout:
//
//	bits 0-47   block size in bytes, header included
//	bits 56-57  mark
//	bit  58     free
//	bits 60-61  generation
//
// The next block in a region starts at the address of this one plus its
// size. A block whose end reaches the region limit is the last one.
type mem struct {
	prior *mem          // previous block in the region, nil for the first
	info  atomic.Uint32 // infoLast | infoManager
	magic uint32
	state atomic.Uint64
	seqno uint64 // allocation sequence number, for diagnostics
}

// freeMem overlays the start of a free block's payload with its free queue
// links.
type freeMem struct {
	mem
	next, prev *freeMem
}

const (
	ptrSize     = unsafe.Sizeof(uintptr(0))
	headerSize  = unsafe.Sizeof(mem{})
	managerSize = ptrSize

	// allocAlign is the alignment of every block and of every payload.
	allocAlign = 16
	alignShift = 4

	// minBlock is the smallest block that can carry the free queue links
	// once it is freed.
	minBlock = (unsafe.Sizeof(freeMem{}) + allocAlign - 1) &^ (allocAlign - 1)

	// minSplit is the smallest remainder worth splitting off into a
	// separate free block.
	minSplit = 32 + headerSize

	// sizeBits is the width of the size field of the state word. Requests
	// that do not fit are fatal.
	sizeBits = 48
	maxBlock = 1<<sizeBits - allocAlign

	blockMagic = 0xe814ecab

	// scribbleByte fills the payload of free blocks when scribbling is on.
	scribbleByte = 0xfe
)

// Structural bits kept in mem.info.
const (
	infoLast    = 1 << iota // last block in its region
	infoManager             // trailing word holds a ManagerID
)

// Generations. Live blocks alternate between two rotating generations.
// Free blocks, held blocks and never collected blocks use genEternal, so the
// sweeper never selects them.
const (
	genEternal = 3
	maxGen     = 3
)

const (
	stateSizeMask  = 1<<sizeBits - 1
	stateMarkShift = 56
	stateFreeBit   = 1 << 58
	stateGenShift  = 60
)

// blockState is an unpacked copy of a state word.
type blockState uint64

func makeState(size uintptr, gen, mark uint32, free bool) blockState {
	s := blockState(size&stateSizeMask) |
		blockState(mark&maxGen)<<stateMarkShift |
		blockState(gen&maxGen)<<stateGenShift
	if free {
		s |= stateFreeBit
	}
	return s
}

func (s blockState) size() uintptr { return uintptr(s & stateSizeMask) }
func (s blockState) gen() uint32   { return uint32(s>>stateGenShift) & maxGen }
func (s blockState) mark() uint32  { return uint32(s>>stateMarkShift) & maxGen }
func (s blockState) free() bool    { return s&stateFreeBit != 0 }

func (s blockState) withSize(size uintptr) blockState {
	return s&^stateSizeMask | blockState(size&stateSizeMask)
}

func (s blockState) withGen(gen, mark uint32) blockState {
	s &^= maxGen<<stateGenShift | maxGen<<stateMarkShift
	return s | blockState(gen&maxGen)<<stateGenShift | blockState(mark&maxGen)<<stateMarkShift
}

func (mp *mem) load() blockState { return blockState(mp.state.Load()) }

func (mp *mem) store(s blockState) { mp.state.Store(uint64(s)) }

func (mp *mem) cas(old, new blockState) bool {
	return mp.state.CompareAndSwap(uint64(old), uint64(new))
}

func (mp *mem) size() uintptr { return mp.load().size() }

// setSize changes only the size field. Used when publishing a split, after
// the spare block's header is complete.
func (mp *mem) setSize(size uintptr) {
	for {
		old := mp.load()
		if mp.cas(old, old.withSize(size)) {
			return
		}
	}
}

func (mp *mem) isLast() bool     { return mp.info.Load()&infoLast != 0 }
func (mp *mem) hasManager() bool { return mp.info.Load()&infoManager != 0 }

// setInfo replaces the structural bits. The heap lock must be held.
func (mp *mem) setInfo(last, manager bool) {
	var v uint32
	if last {
		v |= infoLast
	}
	if manager {
		v |= infoManager
	}
	mp.info.Store(v)
}

func (mp *mem) setLast(last bool) { mp.setInfo(last, mp.hasManager()) }

// ptr returns the payload address.
func (mp *mem) ptr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(mp), headerSize)
}

// memOf returns the header of the block whose payload starts at p.
func memOf(p unsafe.Pointer) *mem {
	return (*mem)(unsafe.Add(p, -int(headerSize)))
}

// managerSlot returns the trailing word that holds the block's ManagerID.
// Only meaningful when hasManager is set.
func (mp *mem) managerSlot() *uintptr {
	return (*uintptr)(unsafe.Add(unsafe.Pointer(mp), mp.size()-managerSize))
}

// usable returns the number of payload bytes.
func (mp *mem) usable() uintptr {
	n := mp.size() - headerSize
	if mp.hasManager() {
		n -= managerSize
	}
	return n
}

// payload returns the usable bytes of the block as a slice.
func (mp *mem) payload() []byte {
	return unsafe.Slice((*byte)(mp.ptr()), mp.usable())
}

// initHeader writes a complete header for a block that is not yet visible
// to anyone else.
func initHeader(mp *mem, prior *mem, s blockState, last, manager bool) {
	mp.prior = prior
	mp.setInfo(last, manager)
	mp.magic = blockMagic
	mp.seqno = 0
	mp.store(s)
}

func (mp *mem) valid() bool { return mp.magic == blockMagic }

// checkBlock throws on a bad magic number. Only debug builds and heaps with
// Verify set pay for it.
func (h *Heap) checkBlock(mp *mem) {
	if (debugBuild || h.cfg.Verify) && !mp.valid() {
		throw("corrupt block header")
	}
}

// blockSize returns the block size needed for a payload of usize bytes.
func blockSize(usize uintptr, manager bool) uintptr {
	size := headerSize + usize
	if manager {
		size += managerSize
	}
	size = alignUp(size, allocAlign)
	if size < minBlock {
		size = minBlock
	}
	return size
}

// alignUp rounds n up to a multiple of a, which must be a power of 2.
func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}
