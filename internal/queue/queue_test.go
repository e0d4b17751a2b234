package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/udevd/internal/event"
)

type fakeMarker struct {
	touched int
	removed int
}

func (m *fakeMarker) Touch() error  { m.touched++; return nil }
func (m *fakeMarker) Remove() error { m.removed++; return nil }

func dev(seq uint64) *event.Device { return &event.Device{Seqnum: seq, Devpath: "/x"} }

func TestEnqueueOrdersByArrival(t *testing.T) {
	q := New(&fakeMarker{}, true)

	e1 := q.Enqueue(dev(1))
	e2 := q.Enqueue(dev(2))
	e3 := q.Enqueue(dev(3))

	require.Equal(t, 3, q.Len())

	var order []*event.Event
	q.Each(func(e *event.Event) bool {
		order = append(order, e)
		return true
	})
	assert.Equal(t, []*event.Event{e1, e2, e3}, order)
	assert.Same(t, e1, q.Head())
}

func TestEnqueueTouchesMarkerOnlyWhenOwnerAndFromEmpty(t *testing.T) {
	m := &fakeMarker{}
	q := New(m, true)

	q.Enqueue(dev(1))
	assert.Equal(t, 1, m.touched)

	q.Enqueue(dev(2))
	assert.Equal(t, 1, m.touched, "marker should only be touched on the empty->non-empty transition")
}

func TestEnqueueDoesNotTouchMarkerWhenNotOwner(t *testing.T) {
	m := &fakeMarker{}
	q := New(m, false)

	q.Enqueue(dev(1))
	assert.Zero(t, m.touched)
}

func TestRemoveUnlinksAndRemovesMarkerWhenEmpty(t *testing.T) {
	m := &fakeMarker{}
	q := New(m, true)

	e1 := q.Enqueue(dev(1))
	e2 := q.Enqueue(dev(2))

	q.Remove(e1)
	require.Equal(t, 1, q.Len())
	assert.Same(t, e2, q.Head())
	assert.Zero(t, m.removed)

	q.Remove(e2)
	require.Equal(t, 0, q.Len())
	assert.Equal(t, 1, m.removed)
	assert.True(t, q.Empty())
}

func TestRemoveMiddlePreservesOrder(t *testing.T) {
	q := New(&fakeMarker{}, true)
	e1 := q.Enqueue(dev(1))
	e2 := q.Enqueue(dev(2))
	e3 := q.Enqueue(dev(3))

	q.Remove(e2)

	var order []*event.Event
	q.Each(func(e *event.Event) bool {
		order = append(order, e)
		return true
	})
	assert.Equal(t, []*event.Event{e1, e3}, order)
}

func TestCleanupFilterQueuedOnlyRemovesQueuedState(t *testing.T) {
	q := New(&fakeMarker{}, true)
	e1 := q.Enqueue(dev(1))
	e2 := q.Enqueue(dev(2))
	e2.State = event.StateRunning

	removed := q.Cleanup(FilterQueued)
	require.Len(t, removed, 1)
	assert.Same(t, e1, removed[0])
	assert.Equal(t, 1, q.Len())
	assert.Same(t, e2, q.Head())
}

func TestCleanupFilterAnyRemovesEverything(t *testing.T) {
	q := New(&fakeMarker{}, true)
	q.Enqueue(dev(1))
	q.Enqueue(dev(2))

	removed := q.Cleanup(FilterAny)
	assert.Len(t, removed, 2)
	assert.Equal(t, 0, q.Len())
}

func TestOwnerMarkerTouchAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue")

	m := NewOwnerMarker(path)
	require.NoError(t, m.Touch())
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOwnerMarkerRemoveMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	m := NewOwnerMarker(filepath.Join(dir, "absent"))
	assert.NoError(t, m.Remove())
}
