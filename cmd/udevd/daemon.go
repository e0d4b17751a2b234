package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/udevd/internal/control"
	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/external"
	"github.com/joeycumines/udevd/internal/inotifysync"
	"github.com/joeycumines/udevd/internal/manager"
	"github.com/joeycumines/udevd/internal/netlinkmon"
	"github.com/joeycumines/udevd/internal/reactor"
	"github.com/joeycumines/udevd/internal/sdnotify"
	"github.com/joeycumines/udevd/internal/udevdconfig"
	"github.com/joeycumines/udevd/internal/workerproc"
)

// mainMonitorGroup is UDEV_MONITOR_KERNEL's multicast group bit, the raw
// kernel uevent stream (spec.md 6).
const mainMonitorGroup = 1

// daemon bundles every collaborator internal/manager needs plus the parts
// cmd/udevd owns directly per spec.md 1's scope cut: the control-socket
// listener (protocol codec is internal/control's job, but opening/accepting
// the AF_LOCAL socket itself is cmd/udevd's) and the inotify watch registry
// (external per spec.md 1; emptyWatchDB stands in for it here).
type daemon struct {
	cfg   *udevdconfig.Config
	runID uuid.UUID

	monitor netlinkmon.Monitor
	inotify *inotifysync.Synthesizer
	ctrl    *controlListener
	mgr     *manager.Manager
}

func newDaemon(cfg *udevdconfig.Config) (*daemon, error) {
	runID := uuid.New()

	mon, err := netlinkmon.Open(mainMonitorGroup)
	if err != nil {
		return nil, fmt.Errorf("open uevent monitor: %w", err)
	}

	iw, err := inotifysync.Open(emptyWatchDB{}, inotifysync.NewBlockRepartitioner())
	if err != nil {
		_ = mon.Close()
		return nil, fmt.Errorf("open inotify: %w", err)
	}

	ctrl, err := listenControl(cfg.ControlSocketPath)
	if err != nil {
		_ = mon.Close()
		_ = iw.Close()
		return nil, fmt.Errorf("listen control socket %s: %w", cfg.ControlSocketPath, err)
	}

	execPath, err := os.Executable()
	if err != nil {
		execPath = os.Args[0]
	}

	// mgr is assigned below; the Spawner's WorkerEnv closure reads it
	// through this variable, which is safe since Spawn is only ever called
	// from the dispatcher after New has returned.
	var mgr *manager.Manager
	spawner := workerproc.New(execPath, func() map[string]string {
		if mgr == nil {
			return nil
		}
		return mgr.WorkerEnv()
	})

	mgr, err = manager.New(manager.Deps{
		Config:   cfg,
		Monitor:  mon,
		Rules:    external.NoopRuleEngine{},
		Spawner:  spawner,
		Notifier: sdnotify.New(),
		Marker:   newRunMarker(cfg.QueueMarkerPath, runID),
		DeviceDB: external.NoopDeviceDB{},
		// cgroup setup (spec.md 1's scope cut) isn't wired up by this
		// command yet, so the post hook's stray-descendant reap is a no-op
		// until a real cgroup is created for the daemon's own children.
		Cgroup: external.NoopCgroupReaper{},
		Republish: func(dev *event.Device) {
			if err := mon.Send(dev); err != nil {
				log.Warning().Err(err).Str("devpath", dev.Devpath).Log("failed to republish device")
			}
		},
	})
	if err != nil {
		_ = mon.Close()
		_ = iw.Close()
		_ = ctrl.Close()
		return nil, err
	}
	mgr.SetInotify(iw)

	return &daemon{
		cfg:     cfg,
		runID:   runID,
		monitor: mon,
		inotify: iw,
		ctrl:    ctrl,
		mgr:     mgr,
	}, nil
}

// Close releases resources that outlive Run returning (the listener and its
// held EXIT connections). The monitor and inotify fds are not closed here or
// by the manager's shutdown; they stay open until the process exits.
func (d *daemon) Close() {
	_ = d.ctrl.Close()
}

// Run registers the inotify source, starts the control-socket pipeline, and
// blocks in the manager's reactor loop until graceful shutdown completes
// (spec.md 4.8). The control-socket accept/drain goroutines are coordinated
// with golang.org/x/sync/errgroup and torn down once the manager stops,
// regardless of which input source (signal, EXIT control op, exit-deadline
// timeout) triggered the shutdown.
func (d *daemon) Run(ctx context.Context) error {
	loop := d.mgr.Loop()

	if err := loop.RegisterFD(d.inotify.FD(), reactor.EventRead, func(reactor.IOEvents) {
		// No on-disk watch registry is wired in (spec.md 1: external), so
		// onIgnored has nothing to release.
		_ = d.inotify.Drain(nil)
	}); err != nil {
		return fmt.Errorf("register inotify fd: %w", err)
	}

	// The control-socket goroutines run under their own context, cancelled
	// once the manager's reactor loop stops -- not the caller's ctx. The
	// reactor's own SIGINT/SIGTERM/SIGHUP/SIGCHLD handling (internal/
	// manager) is what actually drives shutdown (spec.md 4.1); ctx here is
	// only for a caller that wants to abort startup before Start is called.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctrlCtx, cancelCtrl := context.WithCancel(context.Background())
	defer cancelCtrl()

	msgCh := make(chan control.Message)
	var g errgroup.Group

	g.Go(func() error { return d.ctrl.run(ctrlCtx, msgCh) })
	g.Go(func() error {
		return control.Drainer(ctrlCtx, msgCh, control.DefaultChannelConfig(),
			func(f func()) { _ = loop.Submit(f) },
			func(msg control.Message) {
				ops := control.ParseMessage(msg.Data, func(token, reason string) {
					log.Warning().Str("token", token).Str("reason", reason).Log("rejecting malformed control token")
				})
				d.mgr.ApplyControl(ops, msg.Ack)
			})
	})

	log.Info().Str("run_id", d.runID.String()).Log("udevd ready")

	startErr := d.mgr.Start(context.Background())

	cancelCtrl()
	d.ctrl.closeHeldConnections()
	_ = g.Wait() // control goroutines' errors are expected (listener closed); the manager's own is authoritative.

	return startErr
}
