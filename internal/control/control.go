// Package control implements the control handler (spec.md 4.6, C6): parsing
// control messages into Ops and applying them to the manager's state
// through the Handler callbacks. Control traffic runs at idle priority
// (spec.md 5): it's drained into a batch via go-longpoll's Channel, handed
// to the reactor loop for processing via Loop.Submit, so parsing happens
// off the hot path but mutation still only ever happens on the loop
// goroutine (spec.md 5's "no locks" invariant).
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/joeycumines/udevd/internal/dlog"
)

var log = dlog.For("control")

// Kind enumerates the recognized control operations (spec.md 4.6's table).
type Kind int

const (
	KindSetLogLevel Kind = iota
	KindStopExecQueue
	KindStartExecQueue
	KindReload
	KindSetEnv
	KindSetChildrenMax
	KindPing
	KindExit
)

// Op is one parsed control operation. A single control message may carry
// several (spec.md 4.6: "multiple may be present in one message").
type Op struct {
	Kind     Kind
	Int      int    // SET_LOG_LEVEL, SET_CHILDREN_MAX
	Key      string // SET_ENV
	Value    string // SET_ENV; ValueSet distinguishes "k=v" from "k="
	ValueSet bool
}

// ParseMessage splits one control-socket datagram into tokens (NUL or
// newline separated, matching udevadm control's wire format) and parses
// each into an Op. Unknown tokens and malformed SET_ENV strings (no "=")
// are reported via warn and dropped (spec.md 4.6: "invalid env strings ...
// are reported and ignored").
func ParseMessage(msg []byte, warn func(token string, reason string)) []Op {
	var ops []Op
	for _, tok := range splitTokens(msg) {
		if tok == "" {
			continue
		}
		op, err := parseToken(tok)
		if err != nil {
			warn(tok, err.Error())
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

func splitTokens(msg []byte) []string {
	s := string(msg)
	s = strings.ReplaceAll(s, "\x00", "\n")
	return strings.Split(s, "\n")
}

func parseToken(tok string) (Op, error) {
	switch {
	case strings.HasPrefix(tok, "SET_LOG_LEVEL="):
		n, err := parseNonNegInt(tok[len("SET_LOG_LEVEL="):])
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: KindSetLogLevel, Int: n}, nil

	case tok == "STOP_EXEC_QUEUE":
		return Op{Kind: KindStopExecQueue}, nil

	case tok == "START_EXEC_QUEUE":
		return Op{Kind: KindStartExecQueue}, nil

	case tok == "RELOAD":
		return Op{Kind: KindReload}, nil

	case strings.HasPrefix(tok, "ENV="):
		kv := tok[len("ENV="):]
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return Op{}, fmt.Errorf("control: invalid ENV string %q: missing '='", kv)
		}
		key, val := kv[:eq], kv[eq+1:]
		if key == "" {
			return Op{}, fmt.Errorf("control: invalid ENV string %q: empty key", kv)
		}
		return Op{Kind: KindSetEnv, Key: key, Value: val, ValueSet: val != ""}, nil

	case strings.HasPrefix(tok, "SET_CHILDREN_MAX="):
		n, err := parseNonNegInt(tok[len("SET_CHILDREN_MAX="):])
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: KindSetChildrenMax, Int: n}, nil

	case tok == "PING":
		return Op{Kind: KindPing}, nil

	case tok == "EXIT":
		return Op{Kind: KindExit}, nil

	default:
		return Op{}, fmt.Errorf("control: unrecognized token %q", tok)
	}
}

func parseNonNegInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("control: %q is not an integer", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("control: %q must be >= 0", s)
	}
	return n, nil
}

// Env is the in-memory dynamic property table SET_ENV mutates (spec.md
// 4.6). An empty value ("FOO=") removes the key from the map, so Resolved
// omits it. The table keeps no record that a key was unset: a variable of
// that name in the daemon's own environment is still inherited by workers
// spawned afterwards.
type Env struct {
	m map[string]string
}

func NewEnv() *Env { return &Env{m: make(map[string]string)} }

// Apply upserts k when the op's ValueSet flag is set and removes it
// otherwise.
func (e *Env) Apply(op Op) {
	if op.ValueSet {
		e.m[op.Key] = op.Value
	} else {
		delete(e.m, op.Key)
	}
}

// Resolved returns the key/value pairs to export to a spawned worker.
func (e *Env) Resolved() map[string]string {
	out := make(map[string]string, len(e.m))
	for k, v := range e.m {
		out[k] = v
	}
	return out
}

// Handler is the set of manager callbacks Apply invokes for each Kind
// (spec.md 4.6's effects column). All are invoked on the reactor loop
// goroutine.
type Handler struct {
	SetLogLevel    func(priority int)
	KillAllWorkers func()
	SetStopFlag    func(stop bool)
	KickDispatcher func()
	Reload         func()
	NotifyReady    func()
	SetEnv         func(op Op)
	SetChildrenMax func(n int)
	Ping           func()
	BeginExit      func(ack func())
}

// Apply executes ops in order against h, per spec.md 4.6's table. ack is
// passed through to BeginExit for EXIT (spec.md: "hold the originating
// connection open as an acknowledgment the client blocks on").
func Apply(h Handler, ops []Op, ack func()) {
	for _, op := range ops {
		switch op.Kind {
		case KindSetLogLevel:
			if h.SetLogLevel != nil {
				h.SetLogLevel(op.Int)
			}
			if h.KillAllWorkers != nil {
				h.KillAllWorkers()
			}
		case KindStopExecQueue:
			if h.SetStopFlag != nil {
				h.SetStopFlag(true)
			}
		case KindStartExecQueue:
			if h.SetStopFlag != nil {
				h.SetStopFlag(false)
			}
			if h.KickDispatcher != nil {
				h.KickDispatcher()
			}
		case KindReload:
			if h.Reload != nil {
				h.Reload()
			}
			if h.KillAllWorkers != nil {
				h.KillAllWorkers()
			}
			if h.NotifyReady != nil {
				h.NotifyReady()
			}
		case KindSetEnv:
			if h.SetEnv != nil {
				h.SetEnv(op)
			}
			if h.KillAllWorkers != nil {
				h.KillAllWorkers()
			}
		case KindSetChildrenMax:
			if h.SetChildrenMax != nil {
				h.SetChildrenMax(op.Int)
			}
			if h.NotifyReady != nil {
				h.NotifyReady()
			}
		case KindPing:
			if h.Ping != nil {
				h.Ping()
			}
		case KindExit:
			if h.BeginExit != nil {
				h.BeginExit(ack)
			}
		}
	}
}

// Message is one received control datagram plus the means to acknowledge
// it (EXIT holds the connection open until shutdown completes).
type Message struct {
	Data []byte
	Ack  func()
}

// Drainer batch-drains Messages off msgCh using longpoll.Channel and hands
// each one to handle via submit (expected to be Loop.Submit), so parsing
// and application still only happen on the reactor goroutine. Runs until
// ctx is cancelled or msgCh closes, restarting the underlying Channel call
// after every batch.
//
// cfg may be nil; it's exposed so tests can shrink MinSize/PartialTimeout
// instead of waiting out the library defaults (16 values / 50ms).
func Drainer(ctx context.Context, msgCh <-chan Message, cfg *longpoll.ChannelConfig, submit func(func()), handle func(Message)) error {
	for {
		if err := longpoll.Channel(ctx, cfg, msgCh, func(m Message) error {
			msg := m
			submit(func() { handle(msg) })
			return nil
		}); err != nil {
			log.Debug().Err(err).Log("control message drain stopped")
			return err
		}
	}
}

// DefaultChannelConfig batches control messages loosely: small batches,
// short partial timeout, since control traffic is low-volume and spec.md
// 5 requires pings to observe already-enqueued uevents processed in the
// same iteration, not get stuck behind a long batching window.
func DefaultChannelConfig() *longpoll.ChannelConfig {
	return &longpoll.ChannelConfig{MaxSize: 8, MinSize: 1, PartialTimeout: 5 * time.Millisecond}
}
