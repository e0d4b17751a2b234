// Package workerproc implements the parent-side half of spec.md 4.5's
// "Spawning" contract: forking (via re-exec, since Go offers no portable
// fork-without-exec) a worker process bound to one event, a fixed
// line-oriented wire protocol for device messages and acks over a
// SOCK_SEQPACKET socketpair, and SO_PASSCRED-authenticated ack receipt
// (spec.md 5: "the parent rejects messages whose sender pid is not a
// tracked worker").
package workerproc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joeycumines/udevd/internal/event"
)

// encodeDevice serializes dev as newline-terminated KEY=VALUE lines, with
// no end marker (SOCK_SEQPACKET keeps the message boundary) -- a minimal, easy-to-parse wire format in the same
// spirit as the kernel's own uevent framing this daemon already parses in
// internal/netlinkmon, reused here since both ends are ours.
func encodeDevice(dev *event.Device) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "ACTION=%s\n", dev.Action)
	fmt.Fprintf(&b, "DEVPATH=%s\n", dev.Devpath)
	fmt.Fprintf(&b, "DEVPATH_OLD=%s\n", dev.DevpathOld)
	fmt.Fprintf(&b, "SUBSYSTEM=%s\n", dev.Subsystem)
	fmt.Fprintf(&b, "DEVTYPE=%s\n", dev.Devtype)
	fmt.Fprintf(&b, "DEVNAME=%s\n", dev.Devname)
	fmt.Fprintf(&b, "SEQNUM=%d\n", dev.Seqnum)
	fmt.Fprintf(&b, "MAJOR=%d\n", dev.Devnum.Major)
	fmt.Fprintf(&b, "MINOR=%d\n", dev.Devnum.Minor)
	fmt.Fprintf(&b, "IFINDEX=%d\n", dev.Ifindex)
	return []byte(b.String())
}

// decodeDevice is encodeDevice's inverse, used by the worker-side loop.
func decodeDevice(msg []byte) *event.Device {
	d := &event.Device{}
	for _, line := range strings.Split(string(msg), "\n") {
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ACTION":
			d.Action = kv[1]
		case "DEVPATH":
			d.Devpath = kv[1]
		case "DEVPATH_OLD":
			d.DevpathOld = kv[1]
		case "SUBSYSTEM":
			d.Subsystem = kv[1]
		case "DEVTYPE":
			d.Devtype = kv[1]
		case "DEVNAME":
			d.Devname = kv[1]
		case "SEQNUM":
			if v, err := strconv.ParseUint(kv[1], 10, 64); err == nil {
				d.Seqnum = v
			}
		case "MAJOR":
			if v, err := strconv.ParseUint(kv[1], 10, 32); err == nil {
				d.Devnum.Major = uint32(v)
			}
		case "MINOR":
			if v, err := strconv.ParseUint(kv[1], 10, 32); err == nil {
				d.Devnum.Minor = uint32(v)
			}
		case "IFINDEX":
			if v, err := strconv.Atoi(kv[1]); err == nil {
				d.Ifindex = v
			}
		}
	}
	if strings.HasPrefix(d.Devpath, "/") {
		d.Syspath = "/sys" + d.Devpath
	}
	d.IsBlock = d.Subsystem == "block"
	return d
}

// ackFrame is the fixed-size ack message a worker sends after processing
// one device (spec.md 4.5: "send one fixed-size ack message on the
// worker-write socket"). It carries no payload beyond its own presence --
// authentication is by sender pid (SO_PASSCRED), not content.
var ackFrame = []byte("ACK\n")

const ackFrameSize = len(ackFrame)
