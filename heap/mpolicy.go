package heap

import (
	"golang.org/x/exp/slog"
)

// Cause identifies why an allocation exception was raised.
type Cause int

const (
	// CauseRedline: memory in use crossed the soft limit. The allocation
	// succeeds and pruners are asked to release caches.
	CauseRedline Cause = iota + 1

	// CauseLimit: the allocation would cross the hard limit. The policy
	// decides what happens.
	CauseLimit

	// CauseFail: the backend could not supply memory. Always fatal.
	CauseFail

	// CauseTooBig: the request cannot be represented in a block header.
	// Always fatal.
	CauseTooBig
)

func (c Cause) String() string {
	switch c {
	case CauseRedline:
		return "redline"
	case CauseLimit:
		return "limit"
	case CauseFail:
		return "fail"
	case CauseTooBig:
		return "too big"
	}
	return "unknown"
}

// Policy says what to do when the hard memory limit is reached. Policies
// combine; the most drastic one set wins.
type Policy int

const (
	// PolicyNull fails the allocation, which returns nil.
	PolicyNull Policy = 1 << iota
	// PolicyWarn logs and lets the allocation exceed the limit.
	PolicyWarn
	// PolicyExit terminates the process.
	PolicyExit
	// PolicyRestart re-executes the process.
	PolicyRestart
)

// Notifier is told about every allocation exception before any policy is
// applied. usage is the memory in use including the failed request, limit
// the threshold that was crossed.
type Notifier func(cause Cause, usage, limit int64)

// exitCode is the status the process terminates with on fatal allocation
// failures.
const exitCode = 2

// SetMemLimits sets the soft and hard memory limits in bytes. 0 disables a
// limit.
func (h *Heap) SetMemLimits(redline, maxMemory int64) {
	h.redline.Store(redline)
	h.maxMemory.Store(maxMemory)
}

// SetMemPolicy sets the policy applied at the hard limit.
func (h *Heap) SetMemPolicy(p Policy) {
	h.policy.Store(int64(p))
}

// SetMemNotifier installs the allocation exception callback. nil removes it.
func (h *Heap) SetMemNotifier(fn Notifier) {
	h.notifier.Store(&fn)
}

// HasMemError reports whether an allocation has failed since the last
// ResetMemError.
func (h *Heap) HasMemError() bool { return h.hasError.Load() }

// ResetMemError clears the flag reported by HasMemError.
func (h *Heap) ResetMemError() { h.hasError.Store(false) }

// AddPruner registers fn to be called when the heap wants caches trimmed:
// periodically from the dispatcher and soon after the redline is crossed.
// Pruners run on a registered thread outside any collection and may
// allocate.
func (h *Heap) AddPruner(fn func()) {
	h.prunersMu.Lock()
	h.pruners = append(h.pruners, fn)
	h.prunersMu.Unlock()
}

// Prune runs every registered pruner now.
func (h *Heap) Prune() {
	h.pruneRequested.Store(false)

	h.prunersMu.Lock()
	pruners := append([]func(){}, h.pruners...)
	h.prunersMu.Unlock()

	for _, fn := range pruners {
		fn()
	}
}

// checkLimits is called before a region of size bytes is obtained from the
// backend. It reports whether the request may proceed.
func (h *Heap) checkLimits(size uintptr) bool {
	usage := int64(h.stats.bytesAllocated.load()) + int64(size)

	if hard := h.maxMemory.Load(); hard > 0 && usage > hard {
		return h.allocException(CauseLimit, usage, hard)
	}
	if red := h.redline.Load(); red > 0 && usage > red {
		h.allocException(CauseRedline, usage, red)
	}
	return true
}

// allocException reports a failed or constrained allocation: it logs,
// notifies the application and applies the policy. It reports whether the
// allocation should go ahead anyway.
func (h *Heap) allocException(cause Cause, usage, limit int64) (proceed bool) {
	h.stats.errors.Add(1)
	if cause != CauseRedline {
		h.hasError.Store(true)
	}

	// A notifier or logger that allocates must not recurse back in here.
	if !h.inException.CompareAndSwap(false, true) {
		return cause == CauseRedline
	}
	defer h.inException.Store(false)

	attrs := []any{
		slog.String("cause", cause.String()),
		slog.Int64("usage", usage),
		slog.Int64("limit", limit),
	}

	if cause == CauseRedline {
		h.log.Warn("heap: memory above redline, pruning", attrs...)
		h.notify(cause, usage, limit)
		h.pruneRequested.Store(true)
		return true
	}

	h.log.Error("heap: allocation failed", attrs...)
	h.notify(cause, usage, limit)

	if cause != CauseLimit {
		// Out of memory or unrepresentable: nothing sane to fall back to.
		h.terminate()
		return false
	}

	policy := Policy(h.policy.Load())
	switch {
	case policy&PolicyRestart != 0:
		h.log.Error("heap: restarting after memory limit")
		if err := h.cfg.Restart(); err != nil {
			h.log.Error("heap: restart failed", slog.String("err", err.Error()))
			h.terminate()
		}
		return false
	case policy&PolicyExit != 0:
		h.terminate()
		return false
	case policy&PolicyWarn != 0:
		return true
	}
	return false
}

func (h *Heap) notify(cause Cause, usage, limit int64) {
	if fn := h.notifier.Load(); fn != nil && *fn != nil {
		(*fn)(cause, usage, limit)
	}
}

func (h *Heap) terminate() {
	h.log.Error("heap: terminating", slog.Int("code", exitCode))
	h.cfg.Exit(exitCode)
}
