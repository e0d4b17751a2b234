package reactor

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer for cancellation. The teacher's own
// timer heap (eventloop/loop.go) has no cancellation support; the daemon's
// per-event warn/kill timers (spec.md 4.2, 4.4) must be torn down as soon as
// an event is removed or acknowledged, so this reactor adds it.
type TimerID uint64

type timerEntry struct {
	id        TimerID
	when      time.Time
	interval  time.Duration // 0 for one-shot
	fn        func()
	index     int
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ScheduleTimer runs fn once after d elapses, on the loop goroutine.
func (l *Loop) ScheduleTimer(d time.Duration, fn func()) TimerID {
	return l.scheduleTimer(d, 0, fn)
}

// ScheduleRepeatingTimer runs fn every interval, starting after interval,
// until cancelled. The dispatcher's idle cleanup uses a one-shot
// ScheduleTimer and its freshness throttle uses catrate, not this.
func (l *Loop) ScheduleRepeatingTimer(interval time.Duration, fn func()) TimerID {
	return l.scheduleTimer(interval, interval, fn)
}

// scheduleTimer, CancelTimer and runTimers are only ever called from the
// loop goroutine (directly from Run/tick, or from a callback/Task already
// running there), so the heap and timersByID index need no locking of their
// own -- consistent with the reactor's single-goroutine callback model.
func (l *Loop) scheduleTimer(d, interval time.Duration, fn func()) TimerID {
	l.nextTimerID++
	id := l.nextTimerID
	e := &timerEntry{id: id, when: time.Now().Add(d), interval: interval, fn: fn}
	heap.Push(&l.timers, e)
	if l.timersByID == nil {
		l.timersByID = make(map[TimerID]*timerEntry)
	}
	l.timersByID[id] = e
	l.wake()
	return id
}

// CancelTimer prevents a scheduled timer from firing again. Safe to call
// even if the timer already fired or was already cancelled.
func (l *Loop) CancelTimer(id TimerID) {
	if e, ok := l.timersByID[id]; ok {
		e.cancelled = true
		delete(l.timersByID, id)
	}
}

func (l *Loop) runTimers() {
	now := time.Now()
	for l.timers.Len() > 0 {
		e := l.timers[0]
		if e.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if e.when.After(now) {
			return
		}
		heap.Pop(&l.timers)
		delete(l.timersByID, e.id)

		l.safeRun(e.fn)

		if e.interval > 0 && !e.cancelled {
			e.when = now.Add(e.interval)
			heap.Push(&l.timers, e)
			l.timersByID[e.id] = e
		}
	}
}
