package heap

import (
	"io"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// sysMemStat represents a heap statistic about memory obtained from the
// backend that is managed atomically.
type sysMemStat uint64

// load atomically reads the value of the stat.
func (s *sysMemStat) load() uint64 {
	return atomic.LoadUint64((*uint64)(s))
}

func (s *sysMemStat) add(n int64) {
	val := atomic.AddUint64((*uint64)(s), uint64(n))
	if (n > 0 && int64(val) < n) || (n < 0 && int64(val)+n < n) {
		throw("sysMemStat overflow")
	}
}

// heapStats are the live counters behind MemStats.
type heapStats struct {
	bytesAllocated sysMemStat   // bytes obtained from the backend
	bytesFree      atomic.Int64 // bytes on the free queues

	requests atomic.Uint64 // allocation requests
	reuse    atomic.Uint64 // requests satisfied from the free queues
	allocs   atomic.Uint64 // regions obtained from the backend
	unpins   atomic.Uint64 // regions returned to the backend
	splits   atomic.Uint64
	joins    atomic.Uint64
	errors   atomic.Uint64 // allocation exceptions

	// Per cycle, reset when a cycle starts.
	markVisited  atomic.Uint64
	marked       atomic.Uint64
	sweepVisited atomic.Uint64
	swept        atomic.Uint64
	freed        atomic.Uint64 // bytes

	cycles  atomic.Uint64 // completed cycles
	aborted atomic.Uint64 // cycles abandoned because threads did not yield
}

// MemStats is a snapshot of heap statistics.
type MemStats struct {
	BytesAllocated uint64 // bytes reserved from the backend
	BytesFree      uint64 // bytes held in free blocks
	Redline        int64  // soft limit, 0 if unset
	MaxMemory      int64  // hard limit, 0 if unset
	PageSize       int
	NumCPU         int
	Regions        int

	Requests uint64 // allocation requests
	Reuse    uint64 // requests served from the free queues
	Allocs   uint64 // regions obtained from the backend
	Unpins   uint64 // regions returned to the backend
	Splits   uint64
	Joins    uint64
	Errors   uint64 // allocation exceptions raised

	// Last completed cycle.
	MarkVisited  uint64 // Mark calls
	Marked       uint64 // blocks newly marked
	SweepVisited uint64 // blocks examined by the sweeper
	Swept        uint64 // blocks reclaimed
	Freed        uint64 // bytes reclaimed

	Cycles  uint64 // collection cycles completed
	Aborted uint64 // cycles abandoned at the rendezvous
}

// Stats returns a snapshot of the heap statistics. Counters are read
// individually, so a snapshot taken while the heap is busy may be slightly
// inconsistent.
func (h *Heap) Stats() MemStats {
	s := &h.stats
	return MemStats{
		BytesAllocated: s.bytesAllocated.load(),
		BytesFree:      uint64(s.bytesFree.Load()),
		Redline:        h.redline.Load(),
		MaxMemory:      h.maxMemory.Load(),
		PageSize:       int(h.pageSize),
		NumCPU:         runtime.NumCPU(),
		Regions:        h.regionCount(),
		Requests:       s.requests.Load(),
		Reuse:          s.reuse.Load(),
		Allocs:         s.allocs.Load(),
		Unpins:         s.unpins.Load(),
		Splits:         s.splits.Load(),
		Joins:          s.joins.Load(),
		Errors:         s.errors.Load(),
		MarkVisited:    s.markVisited.Load(),
		Marked:         s.marked.Load(),
		SweepVisited:   s.sweepVisited.Load(),
		Swept:          s.swept.Load(),
		Freed:          s.freed.Load(),
		Cycles:         s.cycles.Load(),
		Aborted:        s.aborted.Load(),
	}
}

// PrintStats writes a JSON report of the heap to w. With detail set the
// report also lists every non-empty free queue and, when tracking is on,
// the bytes in use per block name.
func (h *Heap) PrintStats(w io.Writer, detail bool) error {
	st := h.Stats()

	jw := jwriter.NewWriter()
	obj := jw.Object()

	m := obj.Name("memory").Object()
	m.Name("bytesAllocated").Float64(float64(st.BytesAllocated))
	m.Name("bytesFree").Float64(float64(st.BytesFree))
	m.Name("redline").Float64(float64(st.Redline))
	m.Name("maxMemory").Float64(float64(st.MaxMemory))
	m.Name("pageSize").Int(st.PageSize)
	m.Name("regions").Int(st.Regions)
	m.Name("cpus").Int(st.NumCPU)
	m.End()

	alloc := obj.Name("allocator").Object()
	alloc.Name("requests").Float64(float64(st.Requests))
	alloc.Name("reuse").Float64(float64(st.Reuse))
	alloc.Name("regionAllocs").Float64(float64(st.Allocs))
	alloc.Name("regionReleases").Float64(float64(st.Unpins))
	alloc.Name("splits").Float64(float64(st.Splits))
	alloc.Name("joins").Float64(float64(st.Joins))
	alloc.Name("errors").Float64(float64(st.Errors))
	alloc.End()

	gc := obj.Name("collector").Object()
	gc.Name("enabled").Bool(h.gc.enabled.Load())
	gc.Name("workers").Int(h.cfg.Workers)
	gc.Name("cycles").Float64(float64(st.Cycles))
	gc.Name("aborted").Float64(float64(st.Aborted))
	gc.Name("markVisited").Float64(float64(st.MarkVisited))
	gc.Name("marked").Float64(float64(st.Marked))
	gc.Name("sweepVisited").Float64(float64(st.SweepVisited))
	gc.Name("swept").Float64(float64(st.Swept))
	gc.Name("freed").Float64(float64(st.Freed))
	gc.End()

	if detail {
		h.printQueues(obj.Name("freeQueues"))
		if h.cfg.Track {
			h.printNames(obj.Name("names"))
		}
	}
	obj.End()

	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "heap: print stats")
	}
	_, err := w.Write(jw.Bytes())
	return errors.Wrap(err, "heap: print stats")
}

// printQueues writes an array with the population of every non-empty free
// queue.
func (h *Heap) printQueues(jw *jwriter.Writer) {
	type queueStat struct {
		min          uintptr
		count, bytes uint64
	}
	var qs []queueStat

	h.lock.lock()
	for g := uint(0); g < numGroups; g++ {
		for b := uint(0); b < numBuckets; b++ {
			head := h.freeq[g*numBuckets+b]
			if head == nil {
				continue
			}
			q := queueStat{min: queueMin(g, b)}
			fp := head
			for {
				q.count++
				q.bytes += uint64(fp.size())
				if fp = fp.next; fp == head {
					break
				}
			}
			qs = append(qs, q)
		}
	}
	h.lock.unlock()

	arr := jw.Array()
	for _, q := range qs {
		o := jw.Object()
		o.Name("minSize").Float64(float64(q.min))
		o.Name("count").Float64(float64(q.count))
		o.Name("bytes").Float64(float64(q.bytes))
		o.End()
	}
	arr.End()
}

// printNames writes an object mapping block names to the bytes they use.
func (h *Heap) printNames(jw *jwriter.Writer) {
	usage := make(map[string]uint64)

	h.namesMu.Lock()
	for mp, name := range h.names {
		usage[name] += uint64(mp.size())
	}
	h.namesMu.Unlock()

	obj := jw.Object()
	for name, n := range usage {
		obj.Name(name).Float64(float64(n))
	}
	obj.End()
}
