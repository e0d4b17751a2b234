// Package queue implements the event record & queue (spec.md 4.2, C2): a
// doubly linked list of events ordered by arrival, which is also seqnum
// order (spec.md 3's invariant).
package queue

import (
	"os"

	"github.com/joeycumines/udevd/internal/event"
)

// Filter selects which events Cleanup removes.
type Filter int

const (
	FilterAny Filter = iota
	FilterQueued
)

// Marker persists the "/run/udev/queue" presence marker (spec.md 6). Kept
// as an interface so the queue's ordering logic can be tested without
// touching the filesystem; ownerMarker below is the real implementation.
type Marker interface {
	Touch() error
	Remove() error
}

// ownerMarker is the production Marker: a best-effort empty file at path,
// per spec.md 5 ("/run/udev/queue: a presence marker ... touch/unlink
// failures: warn, continue -- the marker is advisory").
type ownerMarker struct {
	path string
}

// NewOwnerMarker returns the real filesystem-backed Marker for path
// (normally "/run/udev/queue").
func NewOwnerMarker(path string) Marker { return &ownerMarker{path: path} }

func (m *ownerMarker) Touch() error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (m *ownerMarker) Remove() error {
	err := os.Remove(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Queue is the FIFO of pending/running device events. Only the owner pid's
// Queue instance may mutate the on-disk marker (spec.md 3, "owner_pid").
type Queue struct {
	marker  Marker
	isOwner bool

	head, tail *Event
	len        int
}

// Event is a queue-internal wrapper giving *event.Event prev/next links
// without requiring the event package to know about list membership beyond
// the plain pointers it already carries.
type Event = event.Event

// New constructs an empty Queue. isOwner must be true for exactly the
// manager instance that created the process-wide queue (spec.md 3,
// "owner_pid": only the owner may touch the on-disk queue marker).
func New(marker Marker, isOwner bool) *Queue {
	return &Queue{marker: marker, isOwner: isOwner}
}

// Len returns the number of events currently queued or running.
func (q *Queue) Len() int { return q.len }

// Empty reports whether the queue holds no events.
func (q *Queue) Empty() bool { return q.len == 0 }

// Enqueue builds an Event from dev, appends it, and, if the queue was
// empty, best-effort creates the on-disk marker (spec.md 4.2).
func (q *Queue) Enqueue(dev *event.Device) *Event {
	e := event.NewFromDevice(dev)
	wasEmpty := q.len == 0

	q.appendLocked(e)

	if wasEmpty && q.isOwner {
		_ = q.marker.Touch()
	}
	return e
}

func (q *Queue) appendLocked(e *Event) {
	e.SetLinks(nil, nil)
	if q.tail == nil {
		q.head = e
		q.tail = e
	} else {
		q.tail.SetNext(e)
		e.SetLinks(q.tail, nil)
		q.tail = e
	}
	q.len++
}

// Remove unlinks e. The caller is responsible for cancelling e's timers and
// detaching it from any worker before or after calling Remove; Remove only
// maintains list linkage and the on-disk marker (spec.md 4.2: "unlink,
// cancel timers, detach from worker if attached, drop device references").
func (q *Queue) Remove(e *Event) {
	prev, next := e.Links()
	if prev != nil {
		prev.SetNext(next)
	} else {
		q.head = next
	}
	if next != nil {
		next.SetPrev(prev)
	} else {
		q.tail = prev
	}
	e.SetLinks(nil, nil)
	q.len--

	if q.len == 0 && q.isOwner {
		_ = q.marker.Remove()
	}
}

// Cleanup removes every event matching filter. FilterAny removes
// everything; FilterQueued removes only events still in StateQueued
// (spec.md 4.2).
func (q *Queue) Cleanup(filter Filter) []*Event {
	var removed []*Event
	for e := q.head; e != nil; {
		next := e.Next()
		if filter == FilterAny || e.State == event.StateQueued {
			q.Remove(e)
			removed = append(removed, e)
		}
		e = next
	}
	return removed
}

// Each calls fn for every event in arrival (seqnum) order. fn must not
// mutate queue linkage directly; use Remove via the caller's own pass.
func (q *Queue) Each(fn func(*Event) bool) {
	for e := q.head; e != nil; e = e.Next() {
		if !fn(e) {
			return
		}
	}
}

// Head returns the first (lowest seqnum) event, or nil.
func (q *Queue) Head() *Event { return q.head }
