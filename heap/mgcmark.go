package heap

import (
	"unsafe"
)

// Manager is implemented by the type owning a block. During marking the
// collector calls Mark once per reachable block; Mark must call h.Mark on
// every heap pointer the object holds. It must not allocate.
type Manager interface {
	Mark(h *Heap, ptr unsafe.Pointer)
}

// Finalizer is optionally implemented by a Manager. Free is called for every
// unreachable block before any block of the same sweep is reclaimed, so it
// may still read other dying objects. It should release resources the heap
// does not own, such as file descriptors.
type Finalizer interface {
	Free(h *Heap, ptr unsafe.Pointer)
}

// Action tells a ManagerFunc what is asked of it.
type Action int

const (
	ManageFree Action = 1 << iota
	ManageMark
)

// ManagerFunc adapts a single function handling both actions to Manager and
// Finalizer.
type ManagerFunc func(h *Heap, ptr unsafe.Pointer, action Action)

func (f ManagerFunc) Mark(h *Heap, ptr unsafe.Pointer) { f(h, ptr, ManageMark) }
func (f ManagerFunc) Free(h *Heap, ptr unsafe.Pointer) { f(h, ptr, ManageFree) }

// RegisterManager makes m available to SetManager and AllocObj.
func (h *Heap) RegisterManager(m Manager) ManagerID {
	if m == nil {
		throw("RegisterManager with nil manager")
	}
	h.managersMu.Lock()
	defer h.managersMu.Unlock()

	// Copy on write, so the collector reads the table without locking.
	old := *h.managers.Load()
	list := make([]Manager, len(old), len(old)+1)
	copy(list, old)
	list = append(list, m)
	h.managers.Store(&list)
	return ManagerID(len(list) - 1)
}

// manager returns the Manager of mp, or nil.
func (h *Heap) manager(mp *mem) Manager {
	if !mp.hasManager() {
		return nil
	}
	id := *mp.managerSlot()
	list := *h.managers.Load()
	if id == 0 || id >= uintptr(len(list)) {
		return nil
	}
	return list[id]
}

// AddRoot makes ptr a root: it and everything reachable from it survive
// every collection until RemoveRoot.
func (h *Heap) AddRoot(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h.rootLock.lock()
	h.roots = append(h.roots, ptr)
	h.rootLock.unlock()
}

// RemoveRoot undoes one AddRoot of ptr.
func (h *Heap) RemoveRoot(ptr unsafe.Pointer) {
	h.rootLock.lock()
	h.roots = removePtr(h.roots, ptr)
	h.rootLock.unlock()
}

// Hold keeps the block at ptr, and everything it references, alive until a
// matching Release, even if nothing reachable points to it. Use it for
// objects only referenced from a goroutine's own variables across a yield.
func (h *Heap) Hold(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	mp := memOf(ptr)
	h.checkBlock(mp)

	h.rootLock.lock()
	h.holds = append(h.holds, ptr)
	h.rootLock.unlock()

	for {
		s := mp.load()
		if s.free() || mp.cas(s, s.withGen(genEternal, s.mark())) {
			return
		}
	}
}

// Release undoes one Hold. Once the last hold is gone the block lives or
// dies by reachability again.
func (h *Heap) Release(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	mp := memOf(ptr)
	h.checkBlock(mp)

	h.rootLock.lock()
	h.holds = removePtr(h.holds, ptr)
	h.rootLock.unlock()

	for {
		s := mp.load()
		if s.free() || s.gen() != genEternal {
			return
		}
		if mp.cas(s, s.withGen(h.active.Load(), s.mark())) {
			return
		}
	}
}

func removePtr(list []unsafe.Pointer, ptr unsafe.Pointer) []unsafe.Pointer {
	for i, p := range list {
		if p == ptr {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}

// Mark marks the block at ptr as reachable. It is meant to be called from
// Manager.Mark and does nothing outside the mark phase. Marking a block that
// is already marked in this cycle is a no-op, which is what makes cycles in
// the object graph safe.
func (h *Heap) Mark(ptr unsafe.Pointer) {
	if ptr == nil || !h.marking.Load() {
		return
	}
	mp := memOf(ptr)
	h.checkBlock(mp)
	h.stats.markVisited.Add(1)

	active := h.active.Load()
	for {
		s := mp.load()
		if s.free() || s.mark() == active {
			return
		}
		gen := active
		if s.gen() == genEternal {
			gen = genEternal
		}
		if mp.cas(s, s.withGen(gen, active)) {
			break
		}
	}
	h.stats.marked.Add(1)

	// Children are marked from drainMark rather than recursively, so deep
	// structures cannot exhaust the stack.
	if mp.hasManager() {
		h.markStack = append(h.markStack, mp)
	}
}

// nextGen rotates the generations: everything alive so far becomes a
// candidate for collection unless it is marked again.
//
// The world must be stopped.
func (h *Heap) nextGen() {
	active := h.active.Load()
	h.dead.Store(active)
	h.active.Store(active ^ 1)
}

// markRoots marks everything reachable from the roots and holds.
//
// The world must be stopped.
func (h *Heap) markRoots() {
	h.rootLock.lock()
	h.rootScratch = append(h.rootScratch[:0], h.roots...)
	h.rootScratch = append(h.rootScratch, h.holds...)
	h.rootLock.unlock()

	h.marking.Store(true)
	for _, p := range h.rootScratch {
		h.Mark(p)
		h.drainMark()
	}
	h.marking.Store(false)

	clear(h.rootScratch)
	h.rootScratch = h.rootScratch[:0]
}

// drainMark calls the manager of every marked block until no more blocks
// are queued.
func (h *Heap) drainMark() {
	for n := len(h.markStack); n > 0; n = len(h.markStack) {
		mp := h.markStack[n-1]
		h.markStack[n-1] = nil
		h.markStack = h.markStack[:n-1]
		if m := h.manager(mp); m != nil {
			m.Mark(h, mp.ptr())
		}
	}
}

// IsDead reports whether the block at ptr was found unreachable and is
// about to be reclaimed. Only meaningful inside Finalizer.Free.
func (h *Heap) IsDead(ptr unsafe.Pointer) bool {
	s := memOf(ptr).load()
	return !s.free() && s.gen() == h.dead.Load()
}

// Revive rescues a block that is about to be reclaimed. Only valid inside
// Finalizer.Free; blocks it references that are themselves dead are not
// revived.
func (h *Heap) Revive(ptr unsafe.Pointer) {
	mp := memOf(ptr)
	for {
		s := mp.load()
		if s.free() {
			return
		}
		active := h.active.Load()
		if mp.cas(s, s.withGen(active, active)) {
			return
		}
	}
}
