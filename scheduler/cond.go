package scheduler

import (
	"context"
	"time"
)

// Cond is a single-waiter condition variable. A Signal that arrives while
// nobody is waiting is remembered, so the next Wait returns immediately
// instead of sleeping through the wakeup (the same guarantee goready gives a
// goroutine that has not yet finished parking).
//
// Only one signal is buffered. Waiters must re-check their predicate after
// every wakeup, as with any condition variable.
type Cond struct {
	ch chan struct{}
}

// NewCond returns a ready to use Cond.
func NewCond() *Cond {
	return &Cond{ch: make(chan struct{}, 1)}
}

// Signal wakes the waiter, or arms the next Wait if there is none.
// Never blocks.
func (c *Cond) Signal() {
	select {
	case c.ch <- struct{}{}:
	default:
		// already armed
	}
}

// Wait blocks until the condition is signalled or the timeout expires.
// A negative timeout waits forever. Reports whether a signal was consumed.
func (c *Cond) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-c.ch
		return true
	}
	if timeout == 0 {
		select {
		case <-c.ch:
			return true
		default:
			return false
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.ch:
		return true
	case <-t.C:
		return false
	}
}

// WaitContext is like Wait but gives up when ctx is done.
func (c *Cond) WaitContext(ctx context.Context) error {
	select {
	case <-c.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
