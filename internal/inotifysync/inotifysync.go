// Package inotifysync implements the inotify synthesizer (spec.md 4.7, C7):
// on device-node close-after-write, it synthesizes a "change" uevent by
// writing to the device's sysfs uevent attribute, fanning out to partition
// children for whole disks whose partition table re-read fails. Adapted
// from the watch-descriptor-keyed registry pattern in
// other_examples/080a35ee_fsnotify-fsnotify__fsnotify_linux.go.go and
// other_examples/61b8f58c_fsnotify-fsnotify__inotify.go.go, reimplemented
// directly on golang.org/x/sys/unix.InotifyInit1 rather than vendoring
// fsnotify (the device-database-backed watch registry is external per
// spec.md 1, so this package only needs the inotify_init/add_watch/read
// plumbing, not fsnotify's cross-platform Watcher API).
package inotifysync

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/udevd/internal/dlog"
)

var log = dlog.For("inotifysync")

const inotifyEventHeaderSize = 16 // struct inotify_event sans the variable-length name

// Disk is the narrow device view the synthesizer needs (spec.md 4.7): a
// devnode to watch, enough sysfs identity to write "change", and (for whole
// disks) its partition children.
type Disk struct {
	Subsystem string
	Sysname   string
	Devname   string
	Syspath   string
	Devtype   string
}

// Partition is a child partition of a whole-disk Disk.
type Partition struct {
	Syspath string
}

// DB is the external device-database collaborator (spec.md 1: "watches a
// set of block devices via inotify"; the watch-descriptor-to-device map is
// external). It resolves a watch descriptor back to the device that
// generated the event, and lists a disk's current partition children.
type DB interface {
	DeviceForWatch(wd int) (Disk, bool)
	PartitionsOf(d Disk) []Partition
}

// RePartitioner re-reads a whole disk's partition table (BLKRRPART), used
// by the whole-disk special case in Synthesize (spec.md 4.7, step 1).
type RePartitioner interface {
	// Reread opens devname, takes a non-blocking exclusive flock, and issues
	// BLKRRPART. A nil error means the kernel re-read the partition table.
	Reread(devname string) error
}

// Synthesizer watches device nodes for IN_CLOSE_WRITE and, on fire, writes
// the "change\n" token to sysfs (spec.md 4.7).
type Synthesizer struct {
	fd     int
	db     DB
	repart RePartitioner
}

// Open creates the inotify fd (spec.md 4.8: "open the inotify fd"). Prior
// watches are restored by the caller via AddWatch, driven from persisted
// state the device database owns (external, per spec.md 1).
func Open(db DB, repart RePartitioner) (*Synthesizer, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Synthesizer{fd: fd, db: db, repart: repart}, nil
}

func (s *Synthesizer) FD() int { return s.fd }

func (s *Synthesizer) Close() error { return unix.Close(s.fd) }

// AddWatch registers devnode for IN_CLOSE_WRITE notifications, returning the
// watch descriptor the caller should associate with the device in the
// external database.
func (s *Synthesizer) AddWatch(devnode string) (int, error) {
	return unix.InotifyAddWatch(s.fd, devnode, unix.IN_CLOSE_WRITE)
}

// RemoveWatch unregisters wd. Errors are non-fatal: the kernel may have
// already dropped it (e.g. the devnode was removed).
func (s *Synthesizer) RemoveWatch(wd int) error {
	_, err := unix.InotifyRmWatch(s.fd, uint32(wd))
	return err
}

// rawEvent mirrors struct inotify_event's fixed header.
type rawEvent struct {
	Wd     int32
	Mask   uint32
	Cookie uint32
	Len    uint32
}

// Drain reads and dispatches every pending inotify event with MSG_DONTWAIT
// semantics (a non-blocking fd, looped until EAGAIN, per spec.md 5).
// IN_CLOSE_WRITE events are resolved via db and fed to Synthesize;
// IN_IGNORED events call onIgnored so the external registry can drop the
// descriptor (spec.md 4.7: "on IN_IGNORED, unregister the watch").
func (s *Synthesizer) Drain(onIgnored func(wd int)) error {
	buf := make([]byte, 64*(inotifyEventHeaderSize+unix.NAME_MAX+1))
	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return nil
		}
		off := 0
		for off+inotifyEventHeaderSize <= n {
			var ev rawEvent
			ev.Wd = int32(binary.LittleEndian.Uint32(buf[off:]))
			ev.Mask = binary.LittleEndian.Uint32(buf[off+4:])
			ev.Cookie = binary.LittleEndian.Uint32(buf[off+8:])
			ev.Len = binary.LittleEndian.Uint32(buf[off+12:])
			off += inotifyEventHeaderSize + int(ev.Len)

			switch {
			case ev.Mask&unix.IN_IGNORED != 0:
				if onIgnored != nil {
					onIgnored(int(ev.Wd))
				}
			case ev.Mask&unix.IN_CLOSE_WRITE != 0:
				d, ok := s.db.DeviceForWatch(int(ev.Wd))
				if !ok {
					continue
				}
				if err := s.Synthesize(d); err != nil {
					log.Warning().Str("devname", d.Devname).Err(err).Log("failed to synthesize change event")
				}
			}
		}
	}
}

// Synthesize implements spec.md 4.7's body exactly: a whole-disk special
// case (re-read the partition table; suppress the synthetic write if it
// succeeded and partitions already exist) and a default case (write
// "change\n" to the device's own sysfs uevent attribute).
func (s *Synthesizer) Synthesize(d Disk) error {
	if d.Subsystem == "block" && d.Devtype == "disk" && !hasPrefixDM(d.Sysname) {
		if s.repart != nil && s.repart.Reread(d.Devname) == nil {
			if len(s.db.PartitionsOf(d)) > 0 {
				// Kernel will emit change/remove/add events itself.
				return nil
			}
		}
		if err := writeChange(d.Syspath); err != nil {
			return err
		}
		for _, part := range s.db.PartitionsOf(d) {
			if err := writeChange(part.Syspath); err != nil {
				log.Warning().Str("syspath", part.Syspath).Err(err).Log("failed to write change to partition")
			}
		}
		return nil
	}

	return writeChange(d.Syspath)
}

func hasPrefixDM(sysname string) bool {
	return len(sysname) >= 3 && sysname[:3] == "dm-"
}

func writeChange(syspath string) error {
	if syspath == "" {
		return fmt.Errorf("inotifysync: empty syspath")
	}
	f, err := os.OpenFile(syspath+"/uevent", os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("change\n")
	return err
}
