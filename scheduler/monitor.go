package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// maxIdle caps how long the monitor sleeps when no event is scheduled, so a
// lost wakeup can never stall it for good.
const maxIdle = 10 * time.Second

// Monitor runs recurring events on a dedicated registered thread, much like
// the runtime's sysmon runs its periodic housekeeping. Between events the
// thread is sticky-yielded, so an idle monitor never holds up a collection.
// Event callbacks run with the yield cleared and receive the monitor's
// thread, which they may pass to anything that wants to yield.
type Monitor struct {
	ts  *ThreadService
	log *slog.Logger

	mu     sync.Mutex
	events map[uint64]*event
	nextID uint64

	wake   *Cond
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type event struct {
	period time.Duration
	due    time.Time
	fn     func(t *Thread)
}

// NewMonitor starts a monitor thread registered with ts. A nil logger means
// slog.Default().
func NewMonitor(ts *ThreadService, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		ts:     ts,
		log:    log,
		events: make(map[uint64]*event),
		wake:   NewCond(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ts.Go("monitor", m.run)
	return m
}

// ScheduleRecurring runs fn every period, starting one period from now.
// The returned function cancels the event; it is safe to call more than
// once and from inside fn.
func (m *Monitor) ScheduleRecurring(period time.Duration, fn func(t *Thread)) (cancel func()) {
	if period <= 0 {
		panic("scheduler: non-positive event period")
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.events[id] = &event{period: period, due: time.Now().Add(period), fn: fn}
	m.mu.Unlock()

	m.wake.Signal()
	return func() {
		m.mu.Lock()
		delete(m.events, id)
		m.mu.Unlock()
	}
}

// Stop terminates the monitor thread and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run(t *Thread) {
	defer close(m.done)

	t.Yield(YieldSticky)
	for {
		now := time.Now()
		due, sleep := m.collect(now)

		if len(due) > 0 {
			t.ResetYield()
			for _, fn := range due {
				m.call(t, fn)
			}
			t.Yield(YieldSticky)
			continue
		}

		ctx, cancel := context.WithTimeout(m.ctx, sleep)
		_ = m.wake.WaitContext(ctx)
		cancel()
		if m.ctx.Err() != nil {
			return
		}
	}
}

// collect returns the callbacks due at now, re-arming them, and how long to
// sleep until the next one.
func (m *Monitor) collect(now time.Time) (due []func(*Thread), sleep time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sleep = maxIdle
	for _, ev := range m.events {
		if !ev.due.After(now) {
			due = append(due, ev.fn)
			// Skip missed periods rather than firing a burst to catch up.
			for !ev.due.After(now) {
				ev.due = ev.due.Add(ev.period)
			}
		}
		if d := ev.due.Sub(now); d < sleep {
			sleep = d
		}
	}
	return due, sleep
}

func (m *Monitor) call(t *Thread, fn func(*Thread)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("scheduler: recurring event panicked", slog.Any("panic", r))
		}
	}()
	fn(t)
}
