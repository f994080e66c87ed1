//go:build unix

package heap

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mmapBackend maps regions as private anonymous memory. The kernel hands
// out zero-filled pages, which is exactly the contract Reserve needs.
type mmapBackend struct{}

// MmapBackend returns a Backend that maps regions with mmap(2).
func MmapBackend() Backend { return mmapBackend{} }

func defaultBackend() Backend { return mmapBackend{} }

func (mmapBackend) Reserve(size uintptr, mode MapMode) ([]byte, error) {
	prot := 0
	if mode&MapRead != 0 {
		prot |= unix.PROT_READ
	}
	if mode&MapWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if mode&MapExec != 0 {
		prot |= unix.PROT_EXEC
	}

	mem, err := unix.Mmap(-1, 0, int(size), prot, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		switch {
		case errors.Is(err, unix.EACCES):
			return nil, errors.Wrap(err, "heap: mmap: access denied")
		case errors.Is(err, unix.EAGAIN):
			return nil, errors.Wrap(err, "heap: mmap: too much locked memory (check 'ulimit -l')")
		}
		return nil, errors.Wrapf(err, "heap: mmap %d bytes", size)
	}
	return mem, nil
}

func (mmapBackend) Release(mem []byte) error {
	// The munmap() system call deletes the mappings for the specified
	// address range, and causes further references to addresses within
	// the range to generate invalid memory references.
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrapf(err, "heap: munmap %d bytes", len(mem))
	}
	return nil
}

func (mmapBackend) PageSize() int { return unix.Getpagesize() }

// restartProcess replaces the running program with a fresh copy of itself.
// On success it does not return.
func restartProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "heap: restart")
	}
	return errors.Wrap(unix.Exec(exe, os.Args, os.Environ()), "heap: restart")
}
