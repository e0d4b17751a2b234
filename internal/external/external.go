// Package external declares the narrow interfaces spec.md 1 calls out as
// explicitly out of scope for the core: the rule parser/engine (compiles a
// rules database, applies rules to a device, performs node/symlink
// creation and program spawning), and the per-device database/tag index.
// The core only ever talks to these through the interfaces below; the
// implementations here are no-op/stub adapters so the daemon and its tests
// can compile and run end to end without a real udev rules tree, matching
// SPEC_FULL.md's SUPPLEMENTED FEATURES note that Non-goals are represented
// only as narrow Go interfaces.
package external

import (
	"time"

	"github.com/joeycumines/udevd/internal/event"
)

// RulesDB is the compiled rules database a RuleEngine produces. Spec.md
// 4.5 step 4 says the dispatcher "lazily (re)builds the rules database if
// absent"; this interface is what gets cached and invalidated on reload.
type RulesDB interface {
	// Fresh reports whether the on-disk rules this RulesDB was built from
	// are unchanged since BuiltAt (spec.md 4.5 step 2's freshness check).
	Fresh(asOf time.Time) bool
}

// RuleEngine compiles a RulesDB and applies it to devices. It is invoked
// from the worker process, never from the parent (spec.md 1's Non-goals:
// "running rules, parsing rule syntax ... all happen inside a worker").
type RuleEngine interface {
	Compile() (RulesDB, error)
	Apply(db RulesDB, dev *event.Device) error
}

// DeviceDB is the per-device database and tag index (spec.md 1's
// Non-goals: "managing the device database"). The worker persists
// successful updates; the parent's failure fan-out (spec.md 4.4) removes
// an entry and clears its tag index on abnormal worker termination.
type DeviceDB interface {
	Persist(dev *event.Device) error
	Remove(devpath string) error
	ClearTags(devpath string) error
}

// NoopRuleEngine applies no rules, for tests and as the default until a
// real rules tree is wired up via configuration.
type NoopRuleEngine struct{}

type noopRulesDB struct{ builtAt time.Time }

func (d noopRulesDB) Fresh(asOf time.Time) bool { return !asOf.After(d.builtAt) }

func (NoopRuleEngine) Compile() (RulesDB, error) { return noopRulesDB{builtAt: time.Now()}, nil }

func (NoopRuleEngine) Apply(RulesDB, *event.Device) error { return nil }

// NoopDeviceDB persists nothing, for tests and as the default.
type NoopDeviceDB struct{}

func (NoopDeviceDB) Persist(*event.Device) error { return nil }
func (NoopDeviceDB) Remove(string) error         { return nil }
func (NoopDeviceDB) ClearTags(string) error      { return nil }

// CgroupReaper is the owning cgroup's stray-descendant reaper (spec.md
// 4.1's post hook, fourth branch: "otherwise request the owning cgroup
// (if any) to SIGKILL any stray descendants and continue"). cgroup
// membership and freezer/kill-all wiring is privileged host setup the
// core never performs itself (spec.md 1's scope cut); this interface is
// the seam the post hook calls into.
type CgroupReaper interface {
	// KillStray asks the owning cgroup, if any, to SIGKILL every process
	// it still contains. Implementations with no cgroup to manage (e.g.
	// NoopCgroupReaper, or a host that never set one up) report it via a
	// no-op.
	KillStray() error
}

// NoopCgroupReaper has no owning cgroup, for tests and as the default
// until cmd/udevd wires up a real one.
type NoopCgroupReaper struct{}

func (NoopCgroupReaper) KillStray() error { return nil }
