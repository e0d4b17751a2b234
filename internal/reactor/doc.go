// Package reactor provides the single-goroutine I/O and timer multiplexer
// the udevd manager is built on. It has no knowledge of uevents, workers or
// control-socket protocol; those live in internal/manager and its siblings,
// wired together entirely through RegisterFD, Submit, and the timer API
// exposed here.
package reactor
