// Package conflict implements the conflict detector (spec.md 4.3, C3): it
// decides whether a queued event is blocked by an earlier in-flight or
// queued one, scanning the queue from its head.
package conflict

import (
	"strings"

	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/queue"
)

// Result is the outcome of a conflict check against a single candidate.
type Result int

const (
	NotBlocked Result = iota
	Blocked
)

// Check scans q from the head, looking for a predecessor that blocks c. c
// must itself be StateQueued and already a member of q. See spec.md 4.3 for
// the six-step ordering this function must preserve exactly -- including
// the asymmetry (spec.md 9's Open Question) where identity-based blockers
// (steps 3-4) never write c.DelayingSeqnum, but path-based blockers (steps
// 5-6) always do.
func Check(q *queue.Queue, c *event.Event) Result {
	for p := q.Head(); p != nil; p = p.Next() {
		switch r, stop := checkOne(c, p); {
		case stop:
			return r
		case r == Blocked:
			return Blocked
		}
	}
	return NotBlocked
}

// checkOne evaluates a single predecessor p against candidate c, returning
// (NotBlocked, true) to stop the scan outright (step 2's stop condition),
// or (Blocked, false)/(NotBlocked, false) to continue or halt on a verdict.
func checkOne(c, p *event.Event) (r Result, stop bool) {
	// 1. Memo fast-path.
	if c.DelayingSeqnum != 0 {
		if p.Seqnum < c.DelayingSeqnum {
			return NotBlocked, false
		}
		if p.Seqnum == c.DelayingSeqnum {
			return Blocked, false
		}
	}

	// 2. Stop condition: reached or passed ourselves.
	if p.Seqnum >= c.Seqnum {
		return NotBlocked, true
	}

	// 3. Block-device identity (no memo write).
	if c.Devnum.Major != 0 && c.Devnum == p.Devnum && c.IsBlock == p.IsBlock {
		return Blocked, false
	}

	// 4. Network-interface identity (no memo write).
	if c.Ifindex > 0 && c.Ifindex == p.Ifindex {
		return Blocked, false
	}

	// 5. Rename collision.
	if c.DevpathOld != "" && c.DevpathOld == p.Devpath {
		c.DelayingSeqnum = p.Seqnum
		return Blocked, false
	}

	// 6. Path relation.
	n := len(p.Devpath)
	if len(c.Devpath) < n {
		n = len(c.Devpath)
	}
	if n == 0 || p.Devpath[:n] != c.Devpath[:n] {
		return NotBlocked, false
	}

	switch {
	case len(p.Devpath) == len(c.Devpath):
		// Same path. Identity already handled above; names may have swapped
		// (e.g. a remove/add pair), so a device/ifindex-bearing candidate is
		// not treated as blocked by path equality alone.
		if c.Devnum.Major != 0 || c.Ifindex > 0 {
			return NotBlocked, false
		}
		c.DelayingSeqnum = p.Seqnum
		return Blocked, false

	case strings.HasPrefix(c.Devpath[n:], "/"):
		// p is an ancestor of c.
		c.DelayingSeqnum = p.Seqnum
		return Blocked, false

	case strings.HasPrefix(p.Devpath[n:], "/"):
		// c is an ancestor of p.
		c.DelayingSeqnum = p.Seqnum
		return Blocked, false

	default:
		// Share only a prefix, e.g. /a/bx vs /a/by.
		return NotBlocked, false
	}
}
