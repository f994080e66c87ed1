// Gcstress drives a heap with concurrent mutator threads that build and
// drop linked lists, while a separate goroutine forces collections, and
// prints the heap statistics as JSON when done.
//
// Usage:
//
//	gcstress [-threads n] [-iterations n] [-workers n] [-verify] [-v]
//
// Heap settings not covered by flags are read from MPRDEBUG.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/ni-webtech/appweb-4-sub000/heap"
	"github.com/ni-webtech/appweb-4-sub000/scheduler"
)

var (
	threads    = flag.Int("threads", 4, "number of mutator threads")
	iterations = flag.Int("iterations", 100000, "allocations per thread")
	keep       = flag.Int("keep", 1000, "nodes each thread keeps reachable")
	workers    = flag.Int("workers", -1, "collector workers (0-2), -1 for the MPRDEBUG setting")
	forceEvery = flag.Duration("force", 10*time.Millisecond, "interval between forced collections, 0 for none")
	verify     = flag.Bool("verify", false, "scribble free memory and verify the heap at the end")
	detail     = flag.Bool("detail", false, "include free queue detail in the report")
	verbose    = flag.Bool("v", false, "log every collection")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gcstress [flags]\n\n")
	flag.PrintDefaults()
	os.Exit(2)
}

// cell is the managed object the mutators allocate.
type cell struct {
	next  *cell
	owner int64
	seq   int64
}

type cellManager struct{}

func (cellManager) Mark(h *heap.Heap, p unsafe.Pointer) {
	h.Mark(unsafe.Pointer((*cell)(p).next))
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 || *threads <= 0 || *keep <= 0 {
		usage()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(log); err != nil {
		log.Error("gcstress failed", slog.String("err", fmt.Sprintf("%+v", err)))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := heap.ConfigFromEnv()
	if err != nil {
		return err
	}
	if *workers >= 0 {
		cfg.Workers = *workers
	}
	if *verify {
		cfg.Scribble, cfg.Verify = true, true
	}
	cfg.Logger = log
	cfg.Threads = scheduler.NewThreadService()
	mon := scheduler.NewMonitor(cfg.Threads, log)
	defer mon.Stop()
	cfg.Dispatcher = mon

	h, err := heap.New(cfg)
	if err != nil {
		return err
	}
	h.Start()
	id := h.RegisterManager(cellManager{})

	start := time.Now()
	stop := make(chan struct{})
	g := new(errgroup.Group)
	forcer := new(errgroup.Group)
	if *forceEvery > 0 {
		forcer.Go(func() error {
			tick := time.NewTicker(*forceEvery)
			defer tick.Stop()
			for {
				select {
				case <-stop:
					return nil
				case <-tick.C:
					h.RequestGC(nil, heap.GCForce)
				}
			}
		})
	}
	for i := 0; i < *threads; i++ {
		owner := int64(i)
		g.Go(func() error { return mutate(h, id, owner) })
	}
	err = g.Wait()
	close(stop)
	_ = forcer.Wait()
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	h.RequestGC(nil, heap.GCForce|heap.GCComplete|heap.GCWait)
	if *verify {
		if err := h.Verify(); err != nil {
			return err
		}
	}
	st := h.Stats()
	h.Logger().Info("gcstress done",
		slog.Duration("elapsed", elapsed),
		slog.Uint64("cycles", st.Cycles),
		slog.Uint64("aborted", st.Aborted),
		slog.Uint64("bytesAllocated", st.BytesAllocated))

	if err := h.PrintStats(os.Stdout, *detail); err != nil {
		return err
	}
	fmt.Println()
	return h.Destroy()
}

// mutate keeps a list of up to keep cells reachable from a root, pushing a
// new cell on every iteration and cutting the list in half when it is full.
func mutate(h *heap.Heap, id heap.ManagerID, owner int64) error {
	t := h.Threads().Register(fmt.Sprintf("mutator-%d", owner))
	defer t.Unregister()

	head := heap.NewObj[cell](h, id)
	if head == nil {
		return errors.New("gcstress: cannot allocate list head")
	}
	h.AddRoot(unsafe.Pointer(head))
	defer h.RemoveRoot(unsafe.Pointer(head))

	length := 0
	for i := 0; i < *iterations; i++ {
		c := heap.NewObj[cell](h, id)
		if c == nil {
			return errors.Newf("gcstress: mutator %d: allocation %d failed", owner, i)
		}
		c.owner, c.seq = owner, int64(i)
		c.next = head.next
		head.next = c
		if length++; length >= *keep {
			p := head
			for j := 0; j < length/2; j++ {
				p = p.next
			}
			p.next = nil
			length /= 2
		}

		h.Yield(t)

		if i%1024 == 0 {
			if err := check(head, owner, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// check walks the list and verifies every cell still holds what was
// written to it. Sequence numbers decrease along the list.
func check(head *cell, owner int64, last int) error {
	prev := int64(last) + 1
	for c := head.next; c != nil; c = c.next {
		if c.owner != owner || c.seq >= prev {
			return errors.AssertionFailedf("gcstress: mutator %d: cell %d after %d holds owner %d",
				owner, c.seq, prev, c.owner)
		}
		prev = c.seq
	}
	return nil
}
