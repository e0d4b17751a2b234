// Package manager implements the lifecycle component (spec.md 4.8, C8):
// startup wiring, reload, graceful/forced shutdown, and the post-iteration
// hook that arms idle-worker cleanup and decides when the loop may
// terminate. It is the only package that owns all of C1-C7 at once.
//
// Signal delivery uses os/signal.Notify rather than a hand-built
// signalfd: golang.org/x/sys/unix exposes Signalfd but no portable
// sigset-construction helper, and Go's own os/signal integrates just as
// cleanly with a Submit-driven reactor -- every signal still only ever
// mutates manager state from the loop goroutine, preserving spec.md 5's
// "no locks" invariant. See DESIGN.md.
package manager

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/udevd/internal/control"
	"github.com/joeycumines/udevd/internal/dispatch"
	"github.com/joeycumines/udevd/internal/dlog"
	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/external"
	"github.com/joeycumines/udevd/internal/inotifysync"
	"github.com/joeycumines/udevd/internal/netlinkmon"
	"github.com/joeycumines/udevd/internal/queue"
	"github.com/joeycumines/udevd/internal/reactor"
	"github.com/joeycumines/udevd/internal/sdnotify"
	"github.com/joeycumines/udevd/internal/udevdconfig"
	"github.com/joeycumines/udevd/internal/workerpool"
)

var log = dlog.For("manager")

const (
	monitorRecvBuffer = 128 * 1024 * 1024
	exitGrace         = 30 * time.Second
)

// ErrExitTimeout is returned by Start when graceful shutdown's 30-second
// deadline expires before workers/queue drain (spec.md 4.8).
var ErrExitTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "manager: graceful shutdown exceeded deadline" }

// Manager owns the reactor loop and every core component, wiring them per
// spec.md 4.1's per-tick algorithm and 4.8's lifecycle.
type Manager struct {
	cfg *udevdconfig.Config

	loop       *reactor.Loop
	queue      *queue.Queue
	pool       *workerpool.Pool
	dispatcher *dispatch.Dispatcher

	monitor  netlinkmon.Monitor
	inotify  *inotifysync.Synthesizer
	notifier *sdnotify.Notifier

	env *control.Env

	deviceDB  external.DeviceDB
	cgroup    external.CgroupReaper
	republish func(dev *event.Device)

	exit         bool
	exitDeadline reactor.TimerID
	exitArmed    bool
	timedOut     bool

	sigCh chan os.Signal
}

// Deps bundles the collaborators New needs; every field has a production
// implementation elsewhere in internal/ but is accepted as an interface so
// tests can substitute fakes.
type Deps struct {
	Config   *udevdconfig.Config
	Monitor  netlinkmon.Monitor
	Rules    external.RuleEngine
	Spawner  dispatch.Spawner
	Notifier *sdnotify.Notifier
	Marker   queue.Marker
	DeviceDB external.DeviceDB

	// Cgroup is the owning cgroup's stray-descendant reaper (spec.md 4.1's
	// post hook, fourth branch). Optional; nil is treated the same as
	// external.NoopCgroupReaper.
	Cgroup external.CgroupReaper

	// Republish re-publishes a device on the main monitor socket for local
	// subscribers (spec.md 4.4's failure fan-out, spec.md 6's "Outbound
	// monitor"). Optional; nil drops the republish step (e.g. in tests).
	Republish func(dev *event.Device)
}

// New wires a Manager's components together (spec.md 4.8's startup list,
// minus the parts that require an already-running reactor -- those happen
// in Start).
func New(deps Deps) (*Manager, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, err
	}

	q := queue.New(deps.Marker, true)
	pool := workerpool.New(loop, deps.Config.ChildrenMax)
	d := dispatch.New(loop, q, pool, deps.Spawner, deps.Rules, func() time.Duration { return deps.Config.EventTimeout })

	cgroup := deps.Cgroup
	if cgroup == nil {
		cgroup = external.NoopCgroupReaper{}
	}

	m := &Manager{
		cfg:        deps.Config,
		loop:       loop,
		queue:      q,
		pool:       pool,
		dispatcher: d,
		monitor:    deps.Monitor,
		notifier:   deps.Notifier,
		env:        control.NewEnv(),
		deviceDB:   deps.DeviceDB,
		cgroup:     cgroup,
		republish:  deps.Republish,
		sigCh:      make(chan os.Signal, 8),
	}

	d.OnReloadNeeded = m.Reload
	d.OnWorkerCreated = m.onWorkerCreated

	return m, nil
}

// AckEndpoint is the subset of workerpool.Endpoint the manager needs to
// poll for ack readiness; workerproc.Endpoint satisfies it.
type AckEndpoint interface {
	FD() int
	ReceiveAck(wantPid int) error
}

func (m *Manager) onWorkerCreated(w *workerpool.Worker, endpoint workerpool.Endpoint) {
	ep, ok := endpoint.(AckEndpoint)
	if !ok {
		return
	}
	_ = m.loop.RegisterFD(ep.FD(), reactor.EventRead, func(reactor.IOEvents) {
		m.onWorkerAckReadable(w, ep)
	})
}

func (m *Manager) onWorkerAckReadable(w *workerpool.Worker, ep AckEndpoint) {
	for {
		err := ep.ReceiveAck(w.Pid())
		if err != nil {
			// EAGAIN (no more pending) ends the drain quietly; a malformed or
			// unauthenticated frame is logged and dropped.
			if err != syscall.EAGAIN {
				log.Warning().Int("pid", w.Pid()).Err(err).Log("dropping malformed worker ack")
			}
			return
		}
		m.OnWorkerAck(w)
	}
}

// Loop exposes the underlying reactor for cmd/udevd's wiring (the inotify
// fd is registered with RegisterFD; control ops arrive through Submit).
func (m *Manager) Loop() *reactor.Loop { return m.loop }

// Dispatcher exposes the dispatcher. Worker acks reach it through
// OnWorkerAck, driven by the FD callback onWorkerCreated installs.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Pool exposes the worker pool. SIGCHLD reaping is done by the manager's
// own reapChildren.
func (m *Manager) Pool() *workerpool.Pool { return m.pool }

// SetInotify attaches the already-open inotify synthesizer (spec.md 4.8:
// "open the inotify fd and restore persisted watches" happens in
// cmd/udevd, which owns the external watch registry).
func (m *Manager) SetInotify(s *inotifysync.Synthesizer) { m.inotify = s }

// Start registers the monitor FD, sets its receive buffer, arms the
// post-hook, installs signal handling, and blocks in loop.Run until
// shutdown completes.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.monitor.SetRecvBufferSize(monitorRecvBuffer); err != nil {
		log.Warning().Err(err).Log("failed to set monitor receive buffer size")
	}

	if err := m.loop.RegisterFD(m.monitor.FD(), reactor.EventRead, func(reactor.IOEvents) {
		m.onMonitorReadable()
	}); err != nil {
		return err
	}

	m.loop.SetPostHook(m.postHook)

	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGCHLD)
	go m.forwardSignals()

	_ = m.notifier.Ready()

	if err := m.loop.Run(ctx); err != nil {
		return err
	}
	if m.timedOut {
		return ErrExitTimeout
	}
	return nil
}

func (m *Manager) forwardSignals() {
	for sig := range m.sigCh {
		s := sig
		_ = m.loop.Submit(func() { m.handleSignal(s) })
	}
}

func (m *Manager) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		m.BeginExit(nil)
	case syscall.SIGHUP:
		m.Reload()
	case syscall.SIGCHLD:
		m.reapChildren()
	}
}

// onMonitorReadable drains the kernel monitor and enqueues every device
// (spec.md 4.1 step 1), then runs the dispatcher.
func (m *Manager) onMonitorReadable() {
	if m.exit {
		return
	}
	devs, err := m.monitor.Receive()
	if err != nil {
		log.Warning().Err(err).Log("monitor receive failed")
	}
	for _, dev := range devs {
		m.queue.Enqueue(dev)
	}
	if len(devs) > 0 {
		m.dispatcher.DisarmIdleCleanup()
		m.dispatcher.Run()
	}
}

// reapChildren implements spec.md 4.4's reap loop: waitpid(-1, WNOHANG) in
// a loop, classifying each exit and fanning out failures independently of
// whether an ack already arrived (spec.md 9: "the SIGCHLD handler must
// drive both the normal and failure paths based on exit status,
// independently of acks").
func (m *Manager) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		w, ok := m.pool.ByPid(pid)
		if !ok {
			continue
		}

		result := workerpool.Classify(w, ws.Exited(), ws.ExitStatus(), ws.Signaled())
		e := m.pool.Free(w) // nil if the event was already freed by a prior ack (mark_idle + queue.Remove)
		m.dispatcher.NoteBusy(w)

		if result == workerpool.ReapFailure && e != nil {
			m.failWorker(pid, e)
		}
	}
}

// failWorker implements spec.md 4.4's failure fan-out: delete the on-disk
// database entry, drop the tag index, and re-publish the unamended kernel
// view on the main monitor so local subscribers still observe the raw
// event.
func (m *Manager) failWorker(pid int, e *event.Event) {
	log.Warning().Int("pid", pid).Uint64("seqnum", e.Seqnum).Log("worker exited abnormally while holding an event")

	if m.deviceDB != nil {
		if err := m.deviceDB.Remove(e.Devpath); err != nil {
			log.Warning().Err(err).Str("devpath", e.Devpath).Log("failed to remove device database entry")
		}
		if err := m.deviceDB.ClearTags(e.Devpath); err != nil {
			log.Warning().Err(err).Str("devpath", e.Devpath).Log("failed to clear tag index")
		}
	}
	if m.republish != nil && e.DevKernel != nil {
		m.republish(e.DevKernel)
	}

	m.queue.Remove(e)
}

// OnWorkerAck handles a successfully authenticated ack from worker w
// (spec.md 4.4's mark_idle, driven from the per-endpoint FD callback
// onWorkerCreated installs). The acked event is freed (removed from the
// queue); w rejoins the idle set the dispatcher draws from.
func (m *Manager) OnWorkerAck(w *workerpool.Worker) {
	e := m.pool.MarkIdle(w)
	if e != nil {
		m.queue.Remove(e)
	}
	m.dispatcher.NoteIdle(w)
	m.dispatcher.Run()
}

// Reload implements spec.md 4.6/4.8's RELOAD: drop cached rules, SIGTERM
// all workers, keep queued events (the dispatcher rebuilds lazily on next
// Run).
func (m *Manager) Reload() {
	m.dispatcher.InvalidateRules()
	m.pool.KillAllNonKilled()
	_ = m.notifier.Ready()
}

// ApplyControl runs ops (already parsed by internal/control) against this
// manager's state, wiring spec.md 4.6's table to concrete methods.
func (m *Manager) ApplyControl(ops []control.Op, ack func()) {
	control.Apply(control.Handler{
		SetLogLevel:    dlog.SetLevel,
		KillAllWorkers: m.pool.KillAllNonKilled,
		SetStopFlag:    func(stop bool) { m.dispatcher.StopExecQueue = stop },
		KickDispatcher: m.dispatcher.Run,
		Reload:         m.dispatcher.InvalidateRules,
		NotifyReady:    func() { _ = m.notifier.Ready() },
		SetEnv:         m.env.Apply,
		SetChildrenMax: m.cfg.SetChildrenMax,
		Ping:           func() { log.Info().Log("ping") },
		BeginExit:      m.BeginExit,
	}, ops, ack)
}

// WorkerEnv returns the resolved dynamic property table for a newly
// spawned worker (spec.md 4.6's SET_ENV).
func (m *Manager) WorkerEnv() map[string]string { return m.env.Resolved() }

// BeginExit implements spec.md 4.8's graceful shutdown: stop accepting new
// traffic, drop QUEUED events, SIGTERM non-killed workers, arm the
// 30-second exit deadline. ack (if non-nil) is invoked once shutdown
// begins, holding the originating EXIT connection open per spec.md 4.6
// until the process actually exits -- cmd/udevd's control listener keeps
// the connection alive and closes it when Start's Run call returns.
func (m *Manager) BeginExit(ack func()) {
	if m.exit {
		if ack != nil {
			ack()
		}
		return
	}
	m.exit = true
	m.dispatcher.Exit = true

	_ = m.notifier.Stopping()

	_ = m.loop.UnregisterFD(m.monitor.FD())
	if m.inotify != nil {
		_ = m.loop.UnregisterFD(m.inotify.FD())
	}

	m.queue.Cleanup(queue.FilterQueued)
	m.pool.KillAllNonKilled()

	m.exitDeadline = m.loop.ScheduleTimer(exitGrace, func() {
		log.Err().Log("graceful shutdown exceeded deadline, forcing exit")
		m.timedOut = true
		_ = m.loop.Close()
	})
	m.exitArmed = true

	if ack != nil {
		ack()
	}
}

// postHook implements spec.md 4.1's end-of-tick decisions, in the order the
// spec lists them: if the queue is non-empty, nothing; else if workers
// exist, arm idle-cleanup; else if exit is set, terminate the loop; else
// (queue empty, no workers, not exiting) ask the owning cgroup to reap any
// stray descendants and continue.
func (m *Manager) postHook() {
	if !m.queue.Empty() {
		return
	}

	if m.pool.Len() > 0 {
		m.dispatcher.ArmIdleCleanup(func() { m.pool.KillAllNonKilled() })
		return
	}

	if m.exit {
		if m.exitArmed {
			m.loop.CancelTimer(m.exitDeadline)
			m.exitArmed = false
		}
		_ = m.loop.Close()
		return
	}

	if err := m.cgroup.KillStray(); err != nil {
		log.Warning().Err(err).Log("failed to reap stray cgroup descendants")
	}
}

// Shutdown is the external trigger for graceful shutdown (e.g. cmd/udevd's
// top-level context cancellation), equivalent to EXIT without an
// acknowledging connection.
func (m *Manager) Shutdown() error {
	return m.loop.Submit(func() { m.BeginExit(nil) })
}
