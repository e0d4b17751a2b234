// Package reactor implements the single-threaded, level-triggered event loop
// that drives the daemon's core: a reactor multiplexing file descriptors,
// timers and signals, derived from the "Maximum Performance" event loop in
// github.com/joeycumines/go-eventloop (see loop.go there), generalized from
// a JS-microtask scheduler into a plain I/O + timer reactor.
//
// All mutation of caller state happens from within callbacks invoked on the
// loop's own goroutine, so callers never need locks of their own -- matching
// the concurrency model described for the daemon's manager.
package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Sentinel errors, following the teacher's package-scope error variables
// (eventloop/loop.go).
var (
	ErrAlreadyRunning = errors.New("reactor: loop is already running")
	ErrTerminated     = errors.New("reactor: loop has been terminated")
	ErrNotRunning     = errors.New("reactor: loop is not running")
)

// State mirrors eventloop's LoopState machine (eventloop/state.go), trimmed
// to the states this reactor actually uses.
type State uint32

const (
	StateAwake State = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Task is a unit of work submitted to the loop.
type Task func()

// PostHook runs once at the end of every tick, after I/O poll and timers.
// It is how the manager implements the idle-cleanup/exit decisions in
// spec.md 4.1.
type PostHook func()

// Loop is a single-goroutine reactor: one epoll set, one timer heap, one
// external task queue. Modeled on eventloop.Loop (loop.go) with the
// JS-specific promise/microtask machinery removed -- this daemon has no use
// for microtasks, only for FDs, timers and signals.
type Loop struct {
	state atomic.Uint32

	poller *poller

	// external task queue: mutex + double-buffered slice, the simplest of
	// the teacher's own documented strategies (loop.go calls this the
	// "GOJA-STYLE QUEUE", auxJobs/auxJobsSpare).
	mu        sync.Mutex
	jobs      []Task
	jobsSpare []Task

	timers      timerHeap
	timersByID  map[TimerID]*timerEntry
	nextTimerID TimerID

	wakeFD int

	loopDone chan struct{}
	stopOnce sync.Once

	postHook PostHook

	tickAnchor time.Time
}

// New creates a Loop with its epoll set and eventfd wake mechanism
// initialized but not yet running (eventloop.New does the same two-step
// setup: poller.Init then RegisterFD(wakeFD, ...)).
func New() (*Loop, error) {
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		wakeFD:   wakeFD,
		loopDone: make(chan struct{}),
		timers:   make(timerHeap, 0),
	}

	p, err := newPoller()
	if err != nil {
		_ = unix.Close(wakeFD)
		return nil, err
	}
	l.poller = p

	if err := l.poller.RegisterFD(wakeFD, EventRead, func(IOEvents) {
		l.drainWakeFD()
	}); err != nil {
		_ = l.poller.Close()
		_ = unix.Close(wakeFD)
		return nil, err
	}

	return l, nil
}

// SetPostHook installs the hook run once per tick, after polling.
func (l *Loop) SetPostHook(h PostHook) { l.postHook = h }

// RegisterFD registers fd for I/O readiness callbacks.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	return l.poller.RegisterFD(fd, events, cb)
}

// UnregisterFD removes fd from the poll set.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD changes the monitored events for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}

// Submit enqueues a task for execution on the loop goroutine.
func (l *Loop) Submit(t Task) error {
	if State(l.state.Load()) == StateTerminated {
		return ErrTerminated
	}
	l.mu.Lock()
	l.jobs = append(l.jobs, t)
	l.mu.Unlock()
	l.wake()
	return nil
}

// Run blocks, driving the reactor until ctx is cancelled or Shutdown/Close is
// called. Mirrors eventloop.Loop.Run/run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(uint32(StateAwake), uint32(StateRunning)) {
		if State(l.state.Load()) == StateTerminated {
			return ErrTerminated
		}
		return ErrAlreadyRunning
	}
	defer close(l.loopDone)

	l.tickAnchor = time.Now()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		st := State(l.state.Load())
		if st == StateTerminating || st == StateTerminated {
			l.drainAll()
			l.closeFDs()
			l.state.Store(uint32(StateTerminated))
			return nil
		}
		select {
		case <-ctx.Done():
			l.state.Store(uint32(StateTerminating))
			l.drainAll()
			l.closeFDs()
			l.state.Store(uint32(StateTerminated))
			return ctx.Err()
		default:
		}

		l.tick()
	}
}

// tick runs one reactor iteration: expired timers, queued tasks, I/O poll,
// post hook -- the same ordering as eventloop.Loop.tick, minus the
// microtask passes this daemon has no use for.
func (l *Loop) tick() {
	l.runTimers()
	l.runJobs()
	l.poll()
	if l.postHook != nil {
		l.postHook()
	}
}

func (l *Loop) runJobs() {
	l.mu.Lock()
	jobs := l.jobs
	l.jobs = l.jobsSpare
	l.mu.Unlock()

	for i, t := range jobs {
		l.safeRun(t)
		jobs[i] = nil
	}
	l.jobsSpare = jobs[:0]
}

func (l *Loop) safeRun(t Task) {
	if t == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	t()
}

// poll blocks in epoll_wait for at most the delay until the next timer.
func (l *Loop) poll() {
	timeout := l.nextTimeout()
	if _, err := l.poller.Wait(timeout); err != nil && !errors.Is(err, unix.EINTR) {
		// A broken poller is fatal to the loop: request shutdown.
		l.state.CompareAndSwap(uint32(StateRunning), uint32(StateTerminating))
	}
}

func (l *Loop) nextTimeout() int {
	const maxWaitMS = 1000
	l.mu.Lock()
	pending := len(l.jobs) > 0
	l.mu.Unlock()
	if pending {
		return 0
	}
	if len(l.timers) == 0 {
		return maxWaitMS
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	if d > maxWaitMS*time.Millisecond {
		return maxWaitMS
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(l.wakeFD, buf[:])
}

func (l *Loop) drainWakeFD() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// drainAll runs any remaining timers and jobs so in-flight work completes
// before the loop reports itself terminated (spec.md 4.8: graceful shutdown
// lets RUNNING events finish).
func (l *Loop) drainAll() {
	for i := 0; i < 64; i++ {
		l.runTimers()
		l.runJobs()
		l.mu.Lock()
		pending := len(l.jobs)
		l.mu.Unlock()
		if pending == 0 {
			return
		}
	}
}

func (l *Loop) closeFDs() {
	_ = l.poller.Close()
	_ = unix.Close(l.wakeFD)
}

// Shutdown requests graceful termination and waits for the loop to drain.
func (l *Loop) Shutdown(ctx context.Context) error {
	var retErr error
	l.stopOnce.Do(func() {
		for {
			cur := State(l.state.Load())
			if cur == StateTerminating || cur == StateTerminated {
				break
			}
			if l.state.CompareAndSwap(uint32(cur), uint32(StateTerminating)) {
				if cur == StateAwake {
					l.state.Store(uint32(StateTerminated))
					l.closeFDs()
					return
				}
				l.wake()
				break
			}
		}
		select {
		case <-l.loopDone:
		case <-ctx.Done():
			retErr = ctx.Err()
		}
	})
	return retErr
}

// Close immediately marks the loop for termination without waiting.
func (l *Loop) Close() error {
	for {
		cur := State(l.state.Load())
		if cur == StateTerminated {
			return ErrTerminated
		}
		if l.state.CompareAndSwap(uint32(cur), uint32(StateTerminating)) {
			if cur == StateAwake {
				l.state.Store(uint32(StateTerminated))
				l.closeFDs()
			} else {
				l.wake()
			}
			return nil
		}
	}
}

// State returns the current loop state.
func (l *Loop) State() State { return State(l.state.Load()) }
