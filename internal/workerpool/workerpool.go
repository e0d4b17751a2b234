// Package workerpool implements the worker pool (spec.md 4.4, C4): tracking
// child processes (states, pid-to-worker mapping), enforcing the
// children_max cap, and reaping terminated children.
package workerpool

import (
	"errors"
	"time"

	"github.com/joeycumines/udevd/internal/dlog"
	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/reactor"
)

var log = dlog.For("workerpool")

// State is a Worker's lifecycle state (spec.md 3, "Worker (W)").
type State int

const (
	StateIdle State = iota
	StateRunning
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateKilled:
		return "killed"
	default:
		return "idle"
	}
}

var (
	// ErrInvalidPid is returned by Create for pid <= 1.
	ErrInvalidPid = errors.New("workerpool: pid must be > 1")
	// errAlreadyAttached and errAlreadyRunning are the precondition panic
	// messages for Attach,
	// mirroring the teacher's ringBuffer precondition panics
	// (catrate/ring.go) rather than returning an error for a programmer
	// mistake that should never happen in correct call sequences.
	errAlreadyAttached = "workerpool: worker already has an event attached"
	errAlreadyRunning  = "workerpool: event already attached to a worker"
)

// Endpoint is the unicast address the parent uses to deliver a device
// message to a specific worker (spec.md 3, "monitor_endpoint").
type Endpoint interface {
	// Send delivers dev to the worker. A non-nil error means the worker is
	// unresponsive and must be killed (spec.md 4.5).
	Send(dev *event.Device) error
	Close() error
}

// Worker is one live child process (spec.md 3, "Worker (W)"). Its attached
// event's warn/kill timers live on the Event itself (event.TimeoutWarn/
// TimeoutKill), not here, since they must outlive MarkIdle/Free's detach
// step for cancellation bookkeeping (spec.md 4.2).
type Worker struct {
	pid      int
	state    State
	event    *event.Event
	endpoint Endpoint
}

func (w *Worker) Pid() int            { return w.pid }
func (w *Worker) State() State        { return w.state }
func (w *Worker) Event() *event.Event { return w.event }

// Send delivers dev to w's endpoint (spec.md 4.5: "send the device to that
// worker's endpoint"). A non-nil error means the worker is unresponsive;
// the caller must kill it and try the next candidate.
func (w *Worker) Send(dev *event.Device) error { return w.endpoint.Send(dev) }

var _ event.Worker = (*Worker)(nil)

// Pool tracks the pid -> Worker mapping and enforces children_max.
type Pool struct {
	loop        *reactor.Loop
	childrenMax func() int

	byPid map[int]*Worker
}

// New constructs an empty Pool. childrenMax is re-read on every dispatch
// decision since SET_CHILDREN_MAX mutates it at runtime (spec.md 9's
// atomic-cell note).
func New(loop *reactor.Loop, childrenMax func() int) *Pool {
	return &Pool{loop: loop, childrenMax: childrenMax, byPid: make(map[int]*Worker)}
}

// Len returns the current number of tracked workers.
func (p *Pool) Len() int { return len(p.byPid) }

// AtCap reports whether the pool is at or above children_max.
func (p *Pool) AtCap() bool { return len(p.byPid) >= p.childrenMax() }

// Cap returns the current children_max value (spec.md 9's atomic-cell
// note: SET_CHILDREN_MAX mutates it at runtime, so callers must re-read it
// rather than cache it across dispatch ticks).
func (p *Pool) Cap() int { return p.childrenMax() }

// Create registers a freshly forked child (spec.md 4.4: "require pid > 1").
func (p *Pool) Create(pid int, endpoint Endpoint) (*Worker, error) {
	if pid <= 1 {
		return nil, ErrInvalidPid
	}
	w := &Worker{pid: pid, state: StateIdle, endpoint: endpoint}
	p.byPid[pid] = w
	return w, nil
}

// ByPid looks up a tracked worker.
func (p *Pool) ByPid(pid int) (*Worker, bool) {
	w, ok := p.byPid[pid]
	return w, ok
}

// Attach binds w to e: precondition w.event == nil && e.Worker == nil
// (spec.md 4.4). Arms the per-event warn/kill timers relative to monotonic
// now, using warnDelay = timeout/3 and killDelay = timeout (spec.md 4.1).
func (p *Pool) Attach(w *Worker, e *event.Event, timeout time.Duration) {
	if w.event != nil {
		panic(errAlreadyAttached)
	}
	if e.Worker != nil {
		panic(errAlreadyRunning)
	}

	w.state = StateRunning
	w.event = e
	e.State = event.StateRunning
	e.Worker = w

	e.TimeoutWarn = event.NewTimerHandle(p.loop.ScheduleTimer(timeout/3, func() {
		log.Warning().Int("pid", w.pid).Uint64("seqnum", e.Seqnum).Log("worker exceeded warning timeout")
	}))
	e.TimeoutKill = event.NewTimerHandle(p.loop.ScheduleTimer(timeout, func() {
		p.killAndMark(w, "event timed out")
	}))
}

// killAndMark SIGKILLs w and marks it KILLED -- the hard-deadline path
// (spec.md 4.5 "Timeouts") and the dispatch-send-failure path (spec.md 4.5
// step 5's "If send fails, SIGKILL the worker, mark KILLED").
func (p *Pool) killAndMark(w *Worker, reason string) {
	if w.state == StateKilled {
		return
	}
	log.Warning().Int("pid", w.pid).Str("reason", reason).Log("killing worker")
	_ = killProcess(w.pid, true)
	w.state = StateKilled
}

// Kill is the exported form of killAndMark, used by the dispatcher when a
// Send to an idle worker fails.
func (p *Pool) Kill(w *Worker, reason string) { p.killAndMark(w, reason) }

// cancelEventTimers tears down e's warn/kill timers. Exported via
// DetachEvent/Free so callers never forget to cancel them (spec.md 4.2:
// "cancel timers, detach from worker").
func (p *Pool) cancelEventTimers(e *event.Event) {
	if e.TimeoutWarn.Armed() {
		p.loop.CancelTimer(e.TimeoutWarn.ID)
	}
	if e.TimeoutKill.Armed() {
		p.loop.CancelTimer(e.TimeoutKill.ID)
	}
}

// MarkIdle transitions w back to IDLE (unless already KILLED) and detaches
// its event, cancelling that event's timers. The caller owns freeing the
// event afterward (spec.md 4.4: "mark_idle: if not KILLED, set IDLE; detach
// the event (the event is freed by the caller)").
func (p *Pool) MarkIdle(w *Worker) *event.Event {
	e := w.event
	if e != nil {
		p.cancelEventTimers(e)
		e.Worker = nil
	}
	w.event = nil
	if w.state != StateKilled {
		w.state = StateIdle
	}
	return e
}

// KillAllNonKilled sends SIGTERM (not SIGKILL) to every tracked worker not
// already KILLED, and marks them KILLED (spec.md 4.4). Used by RELOAD,
// SET_LOG_LEVEL, SET_ENV and graceful shutdown.
func (p *Pool) KillAllNonKilled() {
	for _, w := range p.byPid {
		if w.state == StateKilled {
			continue
		}
		_ = killProcess(w.pid, false)
		w.state = StateKilled
	}
}

// fdEndpoint is satisfied by endpoints that are also registered with the
// reactor for ack readiness (workerproc.Endpoint); Free unregisters before
// closing so the epoll set never holds a stale fd.
type fdEndpoint interface {
	FD() int
}

// Free removes w from the pool, freeing its attached event (if any) by
// cancelling timers and detaching it (spec.md 4.4: "free: remove from map,
// free attached event if any").
func (p *Pool) Free(w *Worker) *event.Event {
	e := w.event
	if e != nil {
		p.cancelEventTimers(e)
		e.Worker = nil
		w.event = nil
	}
	if w.endpoint != nil {
		if fe, ok := w.endpoint.(fdEndpoint); ok {
			_ = p.loop.UnregisterFD(fe.FD())
		}
		_ = w.endpoint.Close()
	}
	delete(p.byPid, w.pid)
	return e
}

// ReapResult classifies one waitpid(-1, WNOHANG) observation for the
// SIGCHLD handler (spec.md 4.4 "Reaping").
type ReapResult int

const (
	ReapNormal ReapResult = iota
	ReapFailure
	ReapIgnored
)

// Classify maps a reaped child's exit status to the reap taxonomy: normal
// exit-0-or-signalled-after-KILLED is ReapNormal; any non-zero exit or
// unexpected signal while an event is attached is ReapFailure (the failure
// fan-out path, spec.md 4.4). Classify never returns ReapIgnored: the
// manager's waitpid call does not report stopped or continued children.
func Classify(w *Worker, exitedNormally bool, exitCode int, signalled bool) ReapResult {
	switch {
	case w.state == StateKilled && signalled:
		return ReapNormal
	case exitedNormally && exitCode == 0:
		return ReapNormal
	case w.event != nil:
		return ReapFailure
	default:
		return ReapNormal
	}
}

func (r ReapResult) String() string {
	switch r {
	case ReapFailure:
		return "failure"
	case ReapIgnored:
		return "ignored"
	default:
		return "normal"
	}
}
