package workerproc

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/udevd/internal/dlog"
	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/external"
)

var log = dlog.For("workerproc")

// RunWorker is the worker-side body described by spec.md 4.5's "Spawning"
// paragraph: read one device message at a time from fd, take an advisory
// lock on non-"dm-*"/"md*"/"drbd*" block devnodes, run it through rules,
// re-publish the processed device, ack, and loop until the socket closes
// or the process is signalled. cmd/udevd's "__worker" entrypoint calls
// this directly; it returns only on a rules compile failure, fd closure or
// a fatal read error.
func RunWorker(fd int, rules external.RuleEngine, db external.DeviceDB, republish func(dev *event.Device)) error {
	dbLocked, err := rules.Compile()
	if err != nil {
		log.Err().Err(err).Log("worker failed to compile rules")
		return err
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return nil // parent closed its end.
		}

		dev := decodeDevice(buf[:n])
		processOne(dev, rules, dbLocked, db, republish)

		if _, werr := unix.Write(fd, ackFrame); werr != nil {
			log.Warning().Err(werr).Log("failed to send ack")
		}
	}
}

// processOne implements the per-event body: lock (skip rules on failure),
// apply, persist, republish (spec.md 4.5).
func processOne(dev *event.Device, rules external.RuleEngine, db external.RulesDB, deviceDB external.DeviceDB, republish func(*event.Device)) {
	if dev.IsBlock && dev.Action != "remove" && !isExemptBlockType(dev.Devtype, dev.Devname) {
		unlock, ok := lockDevnode(dev.Devname)
		if !ok {
			if republish != nil {
				republish(dev)
			}
			return
		}
		defer unlock()
	}

	if err := rules.Apply(db, dev); err != nil {
		log.Warning().Err(err).Str("devpath", dev.Devpath).Log("rule application failed")
	}

	if deviceDB != nil {
		if err := deviceDB.Persist(dev); err != nil {
			log.Warning().Err(err).Str("devpath", dev.Devpath).Log("failed to persist device")
		}
	}

	if republish != nil {
		republish(dev)
	}
}

// isExemptBlockType reports whether devtype/devname identify a device
// class spec.md 4.5 exempts from the advisory-lock step: "dm-*", "md*",
// "drbd*".
func isExemptBlockType(devtype, devname string) bool {
	name := devname
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "md") || strings.HasPrefix(name, "drbd")
}

// lockDevnode takes a non-blocking shared advisory lock on devname
// (spec.md 5: "LOCK_SH non-blocking ... failure to acquire means another
// process holds LOCK_EX and the event is skipped"). The returned unlock
// closes the fd, releasing the lock.
func lockDevnode(devname string) (unlock func(), ok bool) {
	if devname == "" {
		return nil, true // nothing to lock; proceed.
	}
	fd, err := unix.Open(devname, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, true // devnode gone or inaccessible: proceed, matching udev's own best-effort stance here.
	}
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		return nil, false
	}
	return func() { _ = unix.Close(fd) }, true
}
