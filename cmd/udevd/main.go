// Command udevd is the device-management daemon described by spec.md: it
// wires internal/manager's event dispatch engine to the real kernel uevent
// monitor, an AF_LOCAL control socket, and the inotify close-after-write
// synthesizer, following the teacher's cobra-based CLI shape for its
// tooling entrypoints (spec.md 6's CLI table).
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/joeycumines/udevd/internal/dlog"
	"github.com/joeycumines/udevd/internal/udevdconfig"
	"github.com/joeycumines/udevd/internal/workerproc"
)

// version is overwritten at release build time via -ldflags; "dev" is the
// value seen by anyone building this module directly, matching the
// teacher's own tools' unset-by-default version strings.
var version = "dev"

var log = dlog.For("main")

func main() {
	// The worker re-exec marker (spec.md 9's design note: exec instead of
	// fork) must be checked before cobra ever parses os.Args, since argv[0]
	// position 1 is not a flag.
	if len(os.Args) > 1 && os.Args[1] == workerproc.WorkerArgMarker {
		os.Exit(runWorkerMain())
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliFlags struct {
	daemon       bool
	debug        bool
	childrenMax  int
	execDelay    int
	eventTimeout int
	resolveNames string
}

func newRootCmd() *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:     "udevd",
		Short:   "device event management daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	}

	cmd.Flags().BoolVarP(&f.daemon, "daemon", "d", false, "accepted for compatibility; has no effect (udevd stays in the foreground)")
	cmd.Flags().BoolVarP(&f.debug, "debug", "D", false, "enable debug logging")
	cmd.Flags().IntVarP(&f.childrenMax, "children-max", "c", 0, "maximum number of worker processes (0: auto)")
	cmd.Flags().IntVarP(&f.execDelay, "exec-delay", "e", 0, "delay in seconds before executing RUN directives")
	cmd.Flags().IntVarP(&f.eventTimeout, "event-timeout", "t", 0, "seconds before an unresponsive worker is killed (0: default)")
	cmd.Flags().StringVarP(&f.resolveNames, "resolve-names", "N", "late", "when to resolve network interface names: early, late, never")

	return cmd
}

// runDaemon assembles and runs the daemon. SIGINT/SIGTERM/SIGHUP/SIGCHLD are
// handled entirely inside internal/manager (spec.md 4.1's registered signal
// sources), so this function deliberately does not install its own
// signal-to-context cancellation -- a second independent SIGINT handler here
// would race the manager's own graceful-shutdown sequencing.
func runDaemon(ctx context.Context, f cliFlags) error {
	resolveNames, err := udevdconfig.ParseResolveNamesTiming(f.resolveNames)
	if err != nil {
		return err
	}

	var opts []udevdconfig.Option
	opts = append(opts, cmdlineOverrides()...)
	if f.childrenMax > 0 {
		opts = append(opts, udevdconfig.WithChildrenMax(f.childrenMax))
	}
	if f.execDelay > 0 {
		opts = append(opts, udevdconfig.WithExecDelay(time.Duration(f.execDelay)*time.Second))
	}
	if f.eventTimeout > 0 {
		opts = append(opts, udevdconfig.WithEventTimeout(time.Duration(f.eventTimeout)*time.Second))
	}
	opts = append(opts, udevdconfig.WithResolveNames(resolveNames))

	cfg := udevdconfig.New(opts...)

	initialLevel := udevdconfig.LogPriority(opts...)
	if f.debug {
		initialLevel = 7 // LOG_DEBUG
	}
	dlog.SetLevel(initialLevel)

	log.Info().
		Int("children_max", cfg.ChildrenMax()).
		Str("resolve_names", f.resolveNames).
		Str("version", version).
		Log("udevd starting")

	d, err := newDaemon(cfg)
	if err != nil {
		return fmt.Errorf("udevd: failed to initialize: %w", err)
	}
	defer d.Close()

	return d.Run(ctx)
}

// cmdlineOverrides reads /proc/cmdline for udev.* keys (spec.md 6). Missing
// or unreadable /proc/cmdline (e.g. non-Linux test environments) is silently
// treated as "no overrides", matching udevdconfig.PhysicalMemoryBytes's own
// best-effort /proc stance.
func cmdlineOverrides() []udevdconfig.Option {
	if runtime.GOOS != "linux" {
		return nil
	}
	raw, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return nil
	}
	return udevdconfig.KernelCmdlineOverrides(string(raw), func(key, value, reason string) {
		log.Warning().Str("key", key).Str("value", value).Str("reason", reason).Log("ignoring udev.* kernel command line key")
	})
}
