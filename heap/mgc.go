package heap

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"github.com/ni-webtech/appweb-4-sub000/scheduler"
)

// Garbage collector.
//
// A cycle goes through these states:
//
//	idle       nothing to do
//	triggered  the allocation quota ran out, or RequestGC was called
//	yield-wait every registered thread is asked to yield; the collector
//	           waits for all of them, up to SyncTimeout, and abandons the
//	           cycle if some thread does not make it
//	marking    generations are rotated and everything reachable from the
//	           roots and holds is marked with the new active generation
//	sweeping   blocks still of the dead generation are finalized and freed
//	resuming   waiters are woken and threads resumed
//
// With Workers below 2 the world stays stopped through sweeping. With
// Workers 2 threads resume after marking and a separate sweeper goroutine
// sweeps concurrently; the next cycle's marking waits for that sweep to
// finish, so the generations never rotate under the sweeper.

// GCFlags modify RequestGC.
type GCFlags int

const (
	// GCForce collects even if few allocations happened since the last
	// cycle.
	GCForce GCFlags = 1 << iota
	// GCComplete runs enough cycles to flush every generation.
	GCComplete
	// GCWait blocks until the requested cycles have finished.
	GCWait
)

// completeCycles is the number of cycles run for GCComplete.
const completeCycles = 3

type collector struct {
	h       *Heap
	enabled atomic.Bool

	// triggered is set when the allocation quota has queued a cycle, so
	// allocations past the quota do not keep taking mu.
	triggered atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond // on mu, broadcast whenever any field below changes

	pending int    // cycles requested but not yet started
	queued  uint64 // cycles ever requested
	done    uint64 // cycles finished or abandoned
	running bool   // an inline cycle is in progress (Workers 0)
	started bool
	closed  bool

	markerDone  chan struct{}
	sweeperDone chan struct{}
	sweepReq    chan struct{}
	sweepIdle   chan struct{}
}

func (c *collector) init(h *Heap) {
	c.h = h
	c.cond = sync.NewCond(&c.mu)
	c.enabled.Store(!h.cfg.GCDisabled)
}

// Start attaches the collector to the heap's threads and, depending on
// Config.Workers, starts the marker and sweeper goroutines. It also
// schedules the idle and prune events when a Dispatcher is configured.
func (h *Heap) Start() {
	c := &h.gc
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	h.threads.SetCollector(true)

	if h.cfg.Workers >= 1 {
		c.markerDone = make(chan struct{})
		h.threads.Go("marker", h.marker)
	}
	if h.cfg.Workers >= 2 {
		c.sweepReq = make(chan struct{}, 1)
		c.sweepIdle = make(chan struct{}, 1)
		c.sweepIdle <- struct{}{}
		c.sweeperDone = make(chan struct{})
		h.threads.Go("sweeper", h.sweeper)
	}

	if d := h.cfg.Dispatcher; d != nil {
		h.cancels = append(h.cancels,
			d.ScheduleRecurring(h.cfg.IdlePeriod, h.idle),
			d.ScheduleRecurring(h.cfg.PrunePeriod, func(*scheduler.Thread) { h.Prune() }),
		)
	}
	h.log.Debug("heap: collector started", slog.Int("workers", h.cfg.Workers))
}

// Close stops the collector and resumes every parked thread. Pending
// requests are dropped and their waiters released. Memory stays valid.
func (h *Heap) Close() {
	c := &h.gc
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = 0
	c.triggered.Store(false)
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = nil

	if c.markerDone != nil {
		<-c.markerDone
	}
	if c.sweeperDone != nil {
		close(c.sweepReq)
		<-c.sweeperDone
	}

	h.threads.ClearYield()
	h.threads.SetCollector(false)
	h.threads.ResumeThreads()
}

// EnableGC turns collection on or off and returns the previous setting.
// While off, every request and trigger is ignored.
func (h *Heap) EnableGC(on bool) bool {
	return h.gc.enabled.Swap(on)
}

// RequestGC asks for a collection. Without GCForce nothing happens unless
// enough allocations were made since the last cycle.
//
// t is the calling thread, or nil if the caller is not registered. A
// registered caller must pass its thread when it waits, so the collector
// does not wait for it to yield; it is sticky-yielded for the duration.
//
// With Workers 0 the cycles run on the calling goroutine and RequestGC
// always returns after they are done.
func (h *Heap) RequestGC(t *scheduler.Thread, flags GCFlags) {
	c := &h.gc
	if !c.enabled.Load() {
		return
	}
	if flags&GCForce == 0 && h.newCount.Load() <= h.cfg.EarlyQuota {
		return
	}
	n := 1
	if flags&GCComplete != 0 {
		n = completeCycles
	}

	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.pending += n
	c.queued += uint64(n)
	target := c.queued
	c.cond.Broadcast()
	c.mu.Unlock()

	if h.cfg.Workers == 0 {
		h.runPending(t)
		return
	}
	if flags&GCWait == 0 {
		return
	}

	if t != nil {
		t.Yield(scheduler.YieldSticky)
		defer t.ResetYield()
	}
	c.mu.Lock()
	for c.done < target && !c.closed {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// triggerGC queues a cycle because the allocation quota ran out.
func (h *Heap) triggerGC() {
	c := &h.gc
	if !c.enabled.Load() || c.triggered.Load() {
		return
	}
	c.mu.Lock()
	if c.started && !c.closed && c.pending == 0 && !c.triggered.Load() {
		c.triggered.Store(true)
		c.pending++
		c.queued++
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// runPending runs queued cycles on the calling goroutine until none are
// left. Used when there is no marker goroutine.
func (h *Heap) runPending(t *scheduler.Thread) {
	if t != nil {
		t.Yield(scheduler.YieldSticky)
		defer t.ResetYield()
	}

	c := &h.gc
	c.mu.Lock()
	for {
		// Whoever is running will also drain what we queued.
		for c.running && !c.closed {
			c.cond.Wait()
		}
		if c.pending == 0 || c.closed {
			break
		}
		c.pending--
		c.running = true
		c.mu.Unlock()

		h.gcCycle()

		c.mu.Lock()
		c.running = false
		c.done++
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// idle is the dispatcher's recurring event: it runs pruners if the redline
// was crossed, runs cycles queued by the allocation quota when there is no
// marker goroutine, and asks for a conditional collection.
func (h *Heap) idle(t *scheduler.Thread) {
	if h.pruneRequested.Load() {
		h.Prune()
	}
	h.runQueued(t)
	h.RequestGC(t, 0)
}

// Yield is a safe point for t. It yields like t.Yield(0) and, with
// Workers 0, then runs on t any cycles the allocation quota queued.
// t must not hold unreachable managed memory.
func (h *Heap) Yield(t *scheduler.Thread) {
	t.Yield(0)
	h.runQueued(t)
}

// runQueued runs pending cycles on t when there is no marker goroutine.
func (h *Heap) runQueued(t *scheduler.Thread) {
	if h.cfg.Workers != 0 {
		return
	}
	c := &h.gc
	c.mu.Lock()
	pending := c.pending > 0 && !c.running
	c.mu.Unlock()
	if pending {
		h.runPending(t)
	}
}

// marker is the body of the marker goroutine.
func (h *Heap) marker(t *scheduler.Thread) {
	c := &h.gc
	defer close(c.markerDone)

	// The marker never holds unreachable managed memory.
	t.Yield(scheduler.YieldSticky)

	c.mu.Lock()
	for {
		for c.pending == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			break
		}
		c.pending--
		c.mu.Unlock()

		if h.cfg.Workers >= 2 {
			// Never rotate generations under a running sweep.
			<-c.sweepIdle
			if h.stopAndMark() {
				h.startTheWorld()
				c.sweepReq <- struct{}{}
			} else {
				c.sweepIdle <- struct{}{}
				h.cycleDone()
			}
		} else {
			h.gcCycle()
			h.cycleDone()
		}

		c.mu.Lock()
	}
	c.mu.Unlock()
}

// sweeper is the body of the sweeper goroutine (Workers 2).
func (h *Heap) sweeper(t *scheduler.Thread) {
	c := &h.gc
	defer close(c.sweeperDone)

	// Sweeping runs concurrently with mutators and only touches dead
	// blocks, so the sweeper never holds up a rendezvous.
	t.Yield(scheduler.YieldSticky)

	for range c.sweepReq {
		start := time.Now()
		h.sweep()
		h.finishCycle(start)
		c.sweepIdle <- struct{}{}
		h.cycleDone()
	}
}

func (h *Heap) cycleDone() {
	c := &h.gc
	c.mu.Lock()
	c.done++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// gcCycle runs one complete stop-the-world cycle on the calling goroutine.
func (h *Heap) gcCycle() {
	start := time.Now()
	if !h.stopAndMark() {
		return
	}
	h.sweep()
	h.startTheWorld()
	h.finishCycle(start)
}

// stopAndMark stops the world and marks. If some thread fails to yield in
// time the cycle is abandoned, threads are resumed and false is returned.
// On success the world is left stopped.
func (h *Heap) stopAndMark() bool {
	c := &h.gc
	if !c.enabled.Load() {
		return false
	}
	h.newCount.Store(0)
	c.triggered.Store(false)

	s := &h.stats
	s.markVisited.Store(0)
	s.marked.Store(0)
	s.sweepVisited.Store(0)
	s.swept.Store(0)
	s.freed.Store(0)

	ts := h.threads
	ts.RequestYield()
	if !ts.SyncThreads(h.cfg.SyncTimeout) {
		yielded, total := ts.Yielded()
		h.log.Warn("heap: gc sync timed out, some threads did not yield",
			slog.Int("yielded", yielded),
			slog.Int("threads", total),
			slog.Duration("timeout", h.cfg.SyncTimeout))
		h.startTheWorld()
		s.aborted.Add(1)
		return false
	}

	h.nextGen()
	h.markRoots()
	return true
}

func (h *Heap) startTheWorld() {
	h.threads.ClearYield()
	h.threads.ResumeThreads()
}

func (h *Heap) finishCycle(start time.Time) {
	s := &h.stats
	seq := s.cycles.Add(1)
	h.log.Debug("heap: gc cycle",
		slog.Uint64("seq", seq),
		slog.Uint64("marked", s.marked.Load()),
		slog.Uint64("swept", s.swept.Load()),
		slog.Uint64("freed", s.freed.Load()),
		slog.Duration("duration", time.Since(start)))
}
