//go:build linux

package workerpool

import "golang.org/x/sys/unix"

// killProcess sends SIGKILL (force) or SIGTERM to pid, matching spec.md
// 4.4's distinction between the timeout/send-failure hard-kill path and the
// graceful KillAllNonKilled path.
func killProcess(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	return unix.Kill(pid, sig)
}
