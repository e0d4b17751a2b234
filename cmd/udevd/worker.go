package main

import (
	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/external"
	"github.com/joeycumines/udevd/internal/netlinkmon"
	"github.com/joeycumines/udevd/internal/workerproc"
)

// workerMonitorGroup is the multicast group a worker re-publishes processed
// devices on (spec.md 4.5: "re-publish the processed device on the worker's
// monitor endpoint"), the same group cmd/udevd's parent process listens on
// for local subscribers (spec.md 6's "Outbound monitor").
const workerMonitorGroup = 1

// runWorkerMain is the body of the re-exec'd "__worker" process (spec.md 9's
// design note): it owns fd 3 (the child's end of the SOCK_SEQPACKET
// socketpair, inherited via os/exec.Cmd.ExtraFiles), reads one device
// message at a time, and never returns except on fd closure or fatal error.
func runWorkerMain() int {
	const workerFD = 3

	mon, err := netlinkmon.Open(workerMonitorGroup)
	if err != nil {
		log.Warning().Err(err).Log("worker failed to open republish monitor; processed devices won't be re-broadcast")
		mon = nil
	} else {
		defer mon.Close()
	}

	var republish func(dev *event.Device)
	if mon != nil {
		republish = func(dev *event.Device) {
			if err := mon.Send(dev); err != nil {
				log.Warning().Err(err).Str("devpath", dev.Devpath).Log("failed to republish processed device")
			}
		}
	}

	if err := workerproc.RunWorker(workerFD, external.NoopRuleEngine{}, external.NoopDeviceDB{}, republish); err != nil {
		log.Err().Err(err).Log("worker exited with error")
		return 1
	}
	return 0
}
