package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// OS memory management abstraction layer
//
// The heap obtains its regions from a Backend and hands them back when a
// region becomes entirely free. A region is in one of two states:
// 1) None - Unreserved and unmapped, the default state of any region.
// 2) Ready - Reserved, zeroed and may be accessed safely.
//
// There is no intermediate Reserved/Prepared state: regions are small
// (a few hundred kilobytes) and are returned as soon as they are empty, so
// decommitting without unmapping would buy nothing.
//
// This file defines the cross-OS interface. The helpers call into
// backend-specific implementations that handle errors, while the interface
// boundary implements cross-OS functionality, like updating heap accounting.

// MapMode is the protection requested for a region.
type MapMode int

const (
	MapRead MapMode = 1 << iota
	MapWrite
	MapExec
)

// Backend reserves and releases zero-filled memory for heap regions.
//
// Memory returned by a Backend is not scanned by the Go garbage collector.
// Objects stored in heap blocks must therefore never hold the only reference
// to Go-allocated memory.
type Backend interface {
	// Reserve returns size bytes of zeroed memory, aligned to at least the
	// heap's allocation alignment. size is a multiple of PageSize.
	Reserve(size uintptr, mode MapMode) ([]byte, error)

	// Release returns memory previously obtained from Reserve.
	Release(mem []byte) error

	// PageSize is the granularity regions are rounded to.
	PageSize() int
}

// sysAlloc obtains a chunk of zeroed memory from the backend and accounts
// for it in sysStat. This memory is always immediately available for use.
//
// sysStat must be non-nil.
func sysAlloc(b Backend, n uintptr, mode MapMode, sysStat *sysMemStat) ([]byte, error) {
	mem, err := b.Reserve(n, mode)
	if err != nil {
		return nil, err
	}
	if uintptr(len(mem)) != n {
		_ = b.Release(mem)
		return nil, errors.AssertionFailedf("heap: backend returned %d bytes; want %d", len(mem), n)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))&(allocAlign-1) != 0 {
		_ = b.Release(mem)
		return nil, errors.AssertionFailedf("heap: backend returned memory with bad alignment")
	}
	sysStat.add(int64(n))
	return mem, nil
}

// sysFree returns memory to the backend. It is used when a region has become
// entirely free and when the heap is destroyed.
//
// sysStat must be non-nil.
func sysFree(b Backend, mem []byte, sysStat *sysMemStat) error {
	sysStat.add(-int64(len(mem)))
	return b.Release(mem)
}

// goBackend allocates regions from the Go heap. It is the fallback on
// platforms without mmap and is handy in tests, since regions never outlive
// the process and the race detector understands them.
type goBackend struct{}

// GoBackend returns a Backend that allocates regions as Go byte slices.
// Release drops the slice and leaves reclaiming it to the Go collector.
func GoBackend() Backend { return goBackend{} }

func (goBackend) Reserve(size uintptr, _ MapMode) ([]byte, error) {
	// Over-allocate so the region can be aligned regardless of the size
	// class the slice lands in.
	buf := make([]byte, size+allocAlign)
	off := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) & (allocAlign - 1)
	if off != 0 {
		off = allocAlign - off
	}
	return buf[off : off+size : off+size], nil
}

func (goBackend) Release([]byte) error { return nil }

func (goBackend) PageSize() int { return 4096 }
