package main

import (
	"os"

	"github.com/google/uuid"
)

// runMarker is the "/run/udev/queue" presence marker (spec.md 5, 6),
// stamped with this run's correlation id rather than left empty: the
// content isn't read by anything (the marker is purely a presence check per
// spec.md), but tagging it lets an operator match a stale leftover marker
// file to the daemon run's log lines, which all carry the same id (see
// runID in daemon.go).
type runMarker struct {
	path  string
	runID uuid.UUID
}

func newRunMarker(path string, runID uuid.UUID) *runMarker {
	return &runMarker{path: path, runID: runID}
}

func (m *runMarker) Touch() error {
	return os.WriteFile(m.path, []byte(m.runID.String()+"\n"), 0o644)
}

func (m *runMarker) Remove() error {
	err := os.Remove(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
