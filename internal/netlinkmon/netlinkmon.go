// Package netlinkmon is the external uevent transport referenced, but not
// specified, by spec.md 1 ("the netlink 'monitor' transport (framing/
// filtering of uevent messages)" is explicitly out of scope for the core).
// It exists so the manager has a real collaborator to drive in cmd/udevd,
// implementing the NETLINK_KOBJECT_UEVENT multicast socket the monitor fd
// in spec.md 4.1/6 refers to, and decoding the kernel's wire format into
// the event.Device view the core consumes.
package netlinkmon

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/udevd/internal/dlog"
	"github.com/joeycumines/udevd/internal/event"
)

var log = dlog.For("netlinkmon")

// Monitor is the narrow interface internal/manager depends on: an fd the
// reactor can poll, and a non-blocking drain that yields zero or more
// decoded devices per call (spec.md 5: "recvmsg uses MSG_DONTWAIT and loops
// until EAGAIN").
type Monitor interface {
	FD() int
	Receive() ([]*event.Device, error)
	// Send re-publishes dev to every local subscriber of this monitor's
	// multicast group (spec.md 6: "Outbound monitor"). Used both by the
	// parent's failure fan-out (spec.md 4.4) and by a worker's own
	// re-publish-on-success step (spec.md 4.5).
	Send(dev *event.Device) error
	SetRecvBufferSize(bytes int) error
	Close() error
}

// socket is the production Monitor: a bound AF_NETLINK/NETLINK_KOBJECT_UEVENT
// socket subscribed to the kernel multicast group, matching how every real
// uevent consumer (udevd itself, libudev) opens this transport.
type socket struct {
	fd    int
	group uint32
}

// Open binds a kernel-uevent monitor socket. group selects the multicast
// group bitmask; pass 1 (UDEV_MONITOR_KERNEL's group) for the raw kernel
// stream the parent consumes (spec.md 6).
func Open(group uint32) (Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: 0, Groups: group}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &socket{fd: fd, group: group}, nil
}

func (s *socket) FD() int { return s.fd }

func (s *socket) Close() error { return unix.Close(s.fd) }

// SetRecvBufferSize sets SO_RCVBUF. Startup sets this to 128 MiB (spec.md
// 4.8).
func (s *socket) SetRecvBufferSize(size int) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size)
}

// Receive drains every pending datagram with MSG_DONTWAIT, decoding each
// into an event.Device, until EAGAIN (spec.md 5).
func (s *socket) Receive() ([]*event.Device, error) {
	var out []*event.Device
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return out, nil
			}
			if err == unix.EINTR {
				continue
			}
			return out, err
		}
		if n == 0 {
			continue
		}
		d, err := Decode(buf[:n])
		if err != nil {
			log.Warning().Err(err).Log("dropping malformed uevent datagram")
			continue
		}
		out = append(out, d)
	}
}

// Send re-broadcasts dev on this socket's multicast group so local
// subscribers (and the daemon's own other readers of the group) observe the
// post-processing view (spec.md 4.4's failure fan-out, spec.md 4.5's
// success-path republish).
func (s *socket) Send(dev *event.Device) error {
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: 0, Groups: s.group}
	return unix.Sendto(s.fd, Encode(dev), 0, sa)
}

// Encode is Decode's inverse: the kernel-style "ACTION@DEVPATH\x00" header
// line followed by NUL-separated KEY=VALUE pairs.
func Encode(d *event.Device) []byte {
	var buf bytes.Buffer
	buf.WriteString(d.Action)
	buf.WriteByte('@')
	buf.WriteString(d.Devpath)
	buf.WriteByte(0)

	writeKV := func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	writeKV("ACTION", d.Action)
	writeKV("DEVPATH", d.Devpath)
	if d.DevpathOld != "" {
		writeKV("DEVPATH_OLD", d.DevpathOld)
	}
	writeKV("SUBSYSTEM", d.Subsystem)
	writeKV("DEVTYPE", d.Devtype)
	writeKV("DEVNAME", d.Devname)
	writeKV("SEQNUM", strconv.FormatUint(d.Seqnum, 10))
	if !d.Devnum.IsZero() {
		writeKV("MAJOR", strconv.FormatUint(uint64(d.Devnum.Major), 10))
		writeKV("MINOR", strconv.FormatUint(uint64(d.Devnum.Minor), 10))
	}
	if d.Ifindex > 0 {
		writeKV("IFINDEX", strconv.Itoa(d.Ifindex))
	}
	return buf.Bytes()
}

// Decode parses a kernel uevent datagram: an "ACTION@DEVPATH\x00" (or
// "libudev\x00" prefixed) header followed by NUL-separated KEY=VALUE pairs,
// the wire format documented by every kernel uevent consumer.
func Decode(msg []byte) (*event.Device, error) {
	parts := bytes.Split(msg, []byte{0})

	d := &event.Device{}
	start := 0
	if len(parts) > 0 && bytes.Contains(parts[0], []byte("@")) {
		// kernel-style header line: "add@/devices/...".
		at := bytes.IndexByte(parts[0], '@')
		d.Action = string(parts[0][:at])
		d.Devpath = string(parts[0][at+1:])
		start = 1
	}

	for _, p := range parts[start:] {
		if len(p) == 0 {
			continue
		}
		kv := strings.SplitN(string(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		applyField(d, kv[0], kv[1])
	}

	return d, nil
}

func applyField(d *event.Device, key, val string) {
	switch key {
	case "ACTION":
		d.Action = val
	case "DEVPATH":
		d.Devpath = val
	case "SUBSYSTEM":
		d.Subsystem = val
	case "DEVTYPE":
		d.Devtype = val
	case "DEVNAME":
		d.Devname = val
	case "SEQNUM":
		if v, err := strconv.ParseUint(val, 10, 64); err == nil {
			d.Seqnum = v
		}
	case "MAJOR":
		if v, err := strconv.ParseUint(val, 10, 32); err == nil {
			d.Devnum.Major = uint32(v)
		}
	case "MINOR":
		if v, err := strconv.ParseUint(val, 10, 32); err == nil {
			d.Devnum.Minor = uint32(v)
		}
	case "DEVPATH_OLD":
		d.DevpathOld = val
	case "IFINDEX":
		if v, err := strconv.Atoi(val); err == nil {
			d.Ifindex = v
		}
	}
	if d.Subsystem == "block" {
		d.IsBlock = true
	}
	if strings.HasPrefix(d.Devpath, "/") {
		idx := strings.LastIndex(strings.TrimRight(d.Devpath, "/"), "/")
		d.Syspath = "/sys" + d.Devpath
		if idx >= 0 {
			d.Sysname = d.Devpath[idx+1:]
		}
	}
}
