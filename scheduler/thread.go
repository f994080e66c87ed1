package scheduler

import (
	"sync"
	"sync/atomic"
)

// YieldFlags modify the behaviour of Thread.Yield.
type YieldFlags int

const (
	// YieldBlock parks the caller until the collector resumes threads even if
	// no pause has been requested yet.
	YieldBlock YieldFlags = 1 << iota

	// YieldSticky keeps the thread marked as yielded after Yield returns. Use it
	// around long blocking operations (I/O, sleeping, waiting for the collector)
	// during which the thread holds no unreachable managed memory. It is cleared
	// by ResetYield.
	YieldSticky
)

// ThreadService is the registry of threads that take part in the yield
// rendezvous. Only registered threads are waited for when the collector stops
// the world; goroutines that never register are invisible to it and must not
// hold managed memory that is unreachable from a root across a collection.
type ThreadService struct {
	// mu guards threads and every thread's yielded/sticky flags, and is held
	// while the must-yield flag changes. Holding one lock for all of them is
	// what keeps SyncThreads from observing a thread that is only
	// transiently marked as yielded on its way out of Yield.
	mu      sync.Mutex
	threads []*Thread

	// mustYield is set by the collector for the duration of a pause.
	mustYield bool

	// epoch counts pause requests and withdrawals, so it is odd exactly
	// while mustYield is set. Yield reads it without the lock to skip the
	// rendezvous when no pause is pending.
	epoch atomic.Uint64

	// collector reports whether a collector exists that will eventually
	// resume parked threads. Without one Yield never blocks.
	collector bool

	// cond is the collector's rendezvous condition. Yielding threads signal it
	// so SyncThreads re-checks without waiting for its next poll.
	cond *Cond
}

// Thread is the registration record of a single goroutine taking part in the
// rendezvous. All methods except Name must be called from the goroutine that
// owns the thread.
type Thread struct {
	ts   *ThreadService
	name string

	// guarded by ts.mu
	yielded bool
	sticky  bool

	cond *Cond
}

// NewThreadService returns an empty registry.
func NewThreadService() *ThreadService {
	return &ThreadService{cond: NewCond()}
}

// Register adds the calling goroutine to the registry under name.
// The returned thread starts out running (not yielded). If the world is
// stopped when Register is called, it waits for the pause to end first.
func (ts *ThreadService) Register(name string) *Thread {
	t := &Thread{ts: ts, name: name, cond: NewCond()}

	ts.mu.Lock()
	ts.threads = append(ts.threads, t)
	ts.mu.Unlock()

	t.Yield(0)
	return t
}

// Go starts fn on a new registered goroutine and returns its thread. The
// thread is unregistered when fn returns.
func (ts *ThreadService) Go(name string, fn func(t *Thread)) *Thread {
	t := &Thread{ts: ts, name: name, cond: NewCond()}

	// Register before the goroutine starts so a collection that begins
	// right after Go returns already waits for it.
	ts.mu.Lock()
	ts.threads = append(ts.threads, t)
	ts.mu.Unlock()

	go func() {
		defer t.Unregister()
		fn(t)
	}()
	return t
}

// Unregister removes t from the registry. A collector waiting in SyncThreads
// is poked so it does not keep waiting for a thread that is gone.
func (t *Thread) Unregister() {
	ts := t.ts

	ts.mu.Lock()
	for i, tp := range ts.threads {
		if tp == t {
			ts.threads = append(ts.threads[:i], ts.threads[i+1:]...)
			break
		}
	}
	ts.mu.Unlock()

	ts.cond.Signal()
}

// Name returns the name the thread was registered with.
func (t *Thread) Name() string { return t.name }

// Yielded reports whether the thread is currently marked as yielded.
func (t *Thread) Yielded() bool {
	t.ts.mu.Lock()
	defer t.ts.mu.Unlock()
	return t.yielded
}

// Len returns the number of registered threads.
func (ts *ThreadService) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.threads)
}

// Threads returns a snapshot of the registered thread names.
func (ts *ThreadService) Threads() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	names := make([]string, 0, len(ts.threads))
	for _, t := range ts.threads {
		names = append(names, t.name)
	}
	return names
}
