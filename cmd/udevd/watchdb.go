package main

import "github.com/joeycumines/udevd/internal/inotifysync"

// emptyWatchDB is the stub watch-descriptor registry (spec.md 1: the
// inotify watch registry and device-database persistence are external
// collaborators the core only reaches through interfaces). Without a real
// on-disk device database wired in, no watches are ever registered, so
// Drain's demux never has a watch descriptor to resolve; this keeps
// internal/inotifysync exercised and compiled against a real DB
// implementation without requiring the Non-goal device-database component
// this repository doesn't implement.
type emptyWatchDB struct{}

func (emptyWatchDB) DeviceForWatch(int) (inotifysync.Disk, bool)           { return inotifysync.Disk{}, false }
func (emptyWatchDB) PartitionsOf(inotifysync.Disk) []inotifysync.Partition { return nil }
