package heap

import (
	"runtime"
	"sync/atomic"
)

const (
	mutex_unlocked = 0
	mutex_locked   = 1

	// active_spin is how many times lock tries the key before it starts
	// handing the processor back to the scheduler between attempts.
	active_spin = 4
	// active_spin_cnt is the busy-wait length of a single spin.
	active_spin_cnt = 30
)

// mutex is a spinlock guarding short critical sections: the free queues and
// region list (heap lock) and the root and hold lists (root lock). Sections
// guarded by it never block, so spinning beats parking on a sync.Mutex.
type mutex struct {
	key atomic.Uint32
}

func (l *mutex) lock() {
	// Speculative grab for lock (mutex was unlocked).
	if l.key.Swap(mutex_locked) == mutex_unlocked {
		return
	}

	for i := 0; ; i++ {
		// Try for lock, spinning.
		if i < active_spin {
			for n := 0; n < active_spin_cnt; n++ {
				if l.key.Load() == mutex_unlocked && l.key.CompareAndSwap(mutex_unlocked, mutex_locked) {
					return
				}
			}
			continue
		}

		// Try for lock, rescheduling.
		if l.key.CompareAndSwap(mutex_unlocked, mutex_locked) {
			return
		}
		runtime.Gosched()
	}
}

func (l *mutex) unlock() {
	if l.key.Swap(mutex_unlocked) == mutex_unlocked {
		throw("unlock of unlocked lock")
	}
}

// assertLockHeld throws if l is not locked. It cannot tell who holds it, so
// it only catches calls made with the lock not held at all.
func assertLockHeld(l *mutex) {
	if l.key.Load() != mutex_locked {
		throw("lock not held")
	}
}
