package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorRecurring(t *testing.T) {
	ts := NewThreadService()
	m := NewMonitor(ts, nil)
	defer m.Stop()

	var n atomic.Int64
	fired := make(chan struct{}, 16)
	cancel := m.ScheduleRecurring(5*time.Millisecond, func(*Thread) {
		n.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("event fired %d times; want at least 3", n.Load())
		}
	}

	cancel()
	cancel()
	// Let an in-flight run finish, then make sure nothing else fires.
	time.Sleep(20 * time.Millisecond)
	before := n.Load()
	time.Sleep(50 * time.Millisecond)
	if after := n.Load(); after != before {
		t.Errorf("cancelled event fired %d more times", after-before)
	}
}

func TestMonitorSurvivesPanic(t *testing.T) {
	ts := NewThreadService()
	m := NewMonitor(ts, nil)
	defer m.Stop()

	ok := make(chan struct{}, 1)
	m.ScheduleRecurring(5*time.Millisecond, func(*Thread) { panic("boom") })
	m.ScheduleRecurring(5*time.Millisecond, func(*Thread) {
		select {
		case ok <- struct{}{}:
		default:
		}
	})

	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor stopped running events after a panic")
	}
}

func TestIdleMonitorDoesNotBlockSync(t *testing.T) {
	ts := NewThreadService()
	ts.SetCollector(true)
	m := NewMonitor(ts, nil)
	defer m.Stop()

	ts.RequestYield()
	defer func() {
		ts.ClearYield()
		ts.ResumeThreads()
	}()
	if !ts.SyncThreads(5 * time.Second) {
		t.Fatal("idle monitor thread was not yielded")
	}
}
