// Package event defines the device-event record (spec.md 3, "Device event
// (E)") shared by the queue, conflict detector, dispatcher and worker pool.
package event

import (
	"github.com/joeycumines/udevd/internal/reactor"
)

// State is the lifecycle state of an Event. UNDEF is only used as a
// wildcard filter value for queue cleanup, never stored on a live event.
type State int

const (
	StateUndef State = iota
	StateQueued
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	default:
		return "undef"
	}
}

// DevNum is a (major, minor) device number pair. The zero value means
// "absent" per spec.md 3.
type DevNum struct {
	Major uint32
	Minor uint32
}

func (d DevNum) IsZero() bool { return d.Major == 0 && d.Minor == 0 }

// Device is the opaque device view received from the monitor transport
// (spec.md 6: "the monitor yields an opaque device handle"). The dispatcher
// and inotify synthesizer read these fields but never parse or construct
// the underlying netlink framing themselves -- that's internal/netlinkmon's
// job.
type Device struct {
	Seqnum     uint64
	Devpath    string
	DevpathOld string
	Devnum     DevNum
	IsBlock    bool
	Ifindex    int
	Action     string
	Subsystem  string
	Devtype    string
	Sysname    string
	Syspath    string
	Devname    string
}

// Worker is implemented by internal/workerpool.Worker; kept as an interface
// here so event doesn't import workerpool (which itself depends on event),
// matching the non-owning back-reference design in spec.md 9.
type Worker interface {
	Pid() int
}

// Event is one queued or running device event (spec.md 3, "Device event
// (E)"). Per spec.md 9's ownership note, Event never owns its Worker
// strongly; internal/workerpool.Worker owns the attached Event.
type Event struct {
	Seqnum     uint64
	Devpath    string
	DevpathOld string
	Devnum     DevNum
	IsBlock    bool
	Ifindex    int
	Action     string
	Subsystem  string
	Devtype    string

	State State

	// Worker is set while State == StateRunning, nil otherwise.
	Worker Worker

	// DelayingSeqnum memoizes the earliest seqnum known to currently block
	// this event. Zero means "no memo". See internal/conflict for the exact
	// asymmetry governing when this gets written.
	DelayingSeqnum uint64

	TimeoutWarn TimerHandle
	TimeoutKill TimerHandle

	// Dev is the full, possibly rule-amended device view. DevKernel is the
	// unamended shallow view used for failure fan-out (spec.md 4.4).
	Dev       *Device
	DevKernel *Device

	prev, next *Event
}

// TimerHandle wraps a reactor.TimerID so callers can tell "never armed"
// (zero value) apart from a real, cancellable timer.
type TimerHandle struct {
	ID  reactor.TimerID
	set bool
}

func NewTimerHandle(id reactor.TimerID) TimerHandle { return TimerHandle{ID: id, set: true} }

func (h TimerHandle) Armed() bool { return h.set }

// NewFromDevice builds a QUEUED Event from a freshly observed device.
func NewFromDevice(d *Device) *Event {
	return &Event{
		Seqnum:     d.Seqnum,
		Devpath:    d.Devpath,
		DevpathOld: d.DevpathOld,
		Devnum:     d.Devnum,
		IsBlock:    d.IsBlock,
		Ifindex:    d.Ifindex,
		Action:     d.Action,
		Subsystem:  d.Subsystem,
		Devtype:    d.Devtype,
		State:      StateQueued,
		Dev:        d,
		DevKernel:  d,
	}
}

// IsRemove reports whether the event's action is "remove" (spec.md 3).
func (e *Event) IsRemove() bool { return e.Action == "remove" }

// Links returns the queue-internal prev/next pointers. These exist solely
// so internal/queue can maintain list membership without a separate
// wrapper node per event.
func (e *Event) Links() (prev, next *Event) { return e.prev, e.next }

// Next returns the next event in arrival order, or nil at the tail.
func (e *Event) Next() *Event { return e.next }

// Prev returns the previous event in arrival order, or nil at the head.
func (e *Event) Prev() *Event { return e.prev }

// SetLinks overwrites both queue-internal pointers at once.
func (e *Event) SetLinks(prev, next *Event) {
	e.prev = prev
	e.next = next
}

// SetNext overwrites the queue-internal next pointer.
func (e *Event) SetNext(next *Event) { e.next = next }

// SetPrev overwrites the queue-internal prev pointer.
func (e *Event) SetPrev(prev *Event) { e.prev = prev }
