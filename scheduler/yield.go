package scheduler

import (
	"time"
)

// syncPoll bounds how long SyncThreads sleeps between scans of the registry.
// Yielding threads signal the collector, so the poll only matters for a
// thread that unregisters or becomes sticky without passing through Yield.
const syncPoll = 20 * time.Millisecond

// Yield declares the calling thread to be at a safe point: it holds no
// managed memory that the collector could not reach from a root or a hold.
//
// If the collector has requested a pause, or flags contains YieldBlock, the
// thread parks until the collector resumes threads. Yield never returns
// while a pause is still in force.
func (t *Thread) Yield(flags YieldFlags) {
	ts := t.ts
	if flags == 0 && ts.epoch.Load()&1 == 0 {
		// No pause pending. If one is requested right after this load
		// the collector simply waits for the next Yield.
		return
	}

	ts.mu.Lock()
	t.yielded = true
	if flags&YieldSticky != 0 {
		t.sticky = true
	}
	for t.yielded && (ts.mustYield || flags&YieldBlock != 0) && ts.collector {
		ts.mu.Unlock()

		// Tell the collector we have arrived, then park until resumed.
		// Every wakeup loops back to re-check, so a signal left over from
		// an earlier resume only costs one extra iteration.
		ts.cond.Signal()
		t.cond.Wait(-1)

		ts.mu.Lock()
		flags &^= YieldBlock
	}
	if !t.sticky {
		t.yielded = false
	}
	ts.mu.Unlock()
}

// ResetYield clears a sticky yield. If a pause is in progress the thread
// first waits for it to end, since it may not touch managed memory before
// the collector has finished marking.
func (t *Thread) ResetYield() {
	ts := t.ts

	ts.mu.Lock()
	t.sticky = false
	for t.yielded && ts.mustYield && ts.collector {
		ts.mu.Unlock()
		t.cond.Wait(-1)
		ts.mu.Lock()
	}
	t.yielded = false
	ts.mu.Unlock()
}

// SetCollector records whether a collector is attached. Threads only park in
// Yield while one is; detaching a collector does not resume threads that are
// already parked, call ResumeThreads for that.
func (ts *ThreadService) SetCollector(on bool) {
	ts.mu.Lock()
	ts.collector = on
	ts.mu.Unlock()
}

// RequestYield asks every registered thread to park at its next Yield.
func (ts *ThreadService) RequestYield() {
	ts.mu.Lock()
	if !ts.mustYield {
		ts.mustYield = true
		ts.epoch.Add(1)
	}
	ts.mu.Unlock()
}

// ClearYield withdraws a pause request. Parked threads stay parked until
// ResumeThreads.
func (ts *ThreadService) ClearYield() {
	ts.mu.Lock()
	if ts.mustYield {
		ts.mustYield = false
		ts.epoch.Add(1)
	}
	ts.mu.Unlock()
}

// MustYield reports whether a pause is currently requested.
func (ts *ThreadService) MustYield() bool {
	return ts.epoch.Load()&1 != 0
}

// Epoch returns the pause epoch: it advances once when a pause is requested
// and once when it is withdrawn, so it is odd while threads must yield.
func (ts *ThreadService) Epoch() uint64 {
	return ts.epoch.Load()
}

// SyncThreads waits until every registered thread is yielded. It reports
// false if that did not happen within timeout; the caller must then abandon
// whatever needed the world stopped. The calling thread, if registered, must
// itself be sticky-yielded.
func (ts *ThreadService) SyncThreads(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	ts.mu.Lock()
	for {
		all := true
		for _, t := range ts.threads {
			if !t.yielded {
				all = false
				break
			}
		}
		if all {
			ts.mu.Unlock()
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			ts.mu.Unlock()
			return false
		}
		ts.mu.Unlock()

		if remaining > syncPoll {
			remaining = syncPoll
		}
		ts.cond.Wait(remaining)

		ts.mu.Lock()
	}
}

// ResumeThreads wakes every yielded thread. Threads that are not sticky have
// their yielded flag cleared; sticky threads stay yielded but are still
// signalled so they re-check the pause condition.
func (ts *ThreadService) ResumeThreads() {
	ts.mu.Lock()
	for _, t := range ts.threads {
		if t.yielded {
			if !t.sticky {
				t.yielded = false
			}
			t.cond.Signal()
		}
	}
	ts.mu.Unlock()
}

// Yielded returns how many registered threads are currently yielded and the
// total number registered.
func (ts *ThreadService) Yielded() (yielded, total int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.threads {
		if t.yielded {
			yielded++
		}
	}
	return yielded, len(ts.threads)
}
