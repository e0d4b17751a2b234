// Package dlog wires the daemon's structured logging around the teacher's
// logiface facade (github.com/joeycumines/logiface) bound to a zerolog
// writer via github.com/joeycumines/izerolog, following the
// package-level-logger-with-category convention documented on
// eventloop/logging.go's LogEntry.Category: one logger per component,
// obtained with dlog.For("dispatch"), dlog.For("workerpool"), and so on.
package dlog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	level   atomic.Int64
	loggers = make(map[string]*logiface.Logger[logiface.Event])
)

func init() {
	level.Store(int64(logiface.LevelInformational))
}

// SetLevel updates the effective log level for every component logger
// (spec.md 4.6: SET_LOG_LEVEL). udev's log_priority is a syslog priority
// (0=emerg..7=debug), which maps onto logiface.Level's syslog range
// (LevelEmergency=0..LevelDebug=7) without translation.
func SetLevel(priority int) {
	level.Store(int64(priority))

	mu.Lock()
	defer mu.Unlock()
	for name := range loggers {
		loggers[name] = newLogger(name)
	}
}

// SetWriter redirects every component logger to w, for tests or alternate
// output sinks (e.g. a supervisor-provided journal fd).
func SetWriter(w zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = w
	for name := range loggers {
		loggers[name] = newLogger(name)
	}
}

// For returns the structured logger for component, creating it on first
// use. The returned logger reflects the most recently configured level and
// writer at the time of the call; earlier callers that cached the pointer
// keep logging through their original configuration until they call For
// again, matching the teacher's own "Logger" value semantics
// (logiface.Logger is a plain struct, not re-read per call).
func For(component string) *logiface.Logger[logiface.Event] {
	mu.RLock()
	l, ok := loggers[component]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[component]; ok {
		return l
	}
	l = newLogger(component)
	loggers[component] = l
	return l
}

func newLogger(component string) *logiface.Logger[logiface.Event] {
	zl := base.With().Str("component", component).Logger()
	lvl := logiface.Level(level.Load())
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(lvl),
	).Logger()
}
