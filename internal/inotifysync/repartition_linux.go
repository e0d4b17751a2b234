//go:build linux

package inotifysync

import "golang.org/x/sys/unix"

const blkrrpart = 0x125f // BLKRRPART, from linux/fs.h

// blockRepartitioner is the production RePartitioner: open O_RDONLY|
// O_NONBLOCK, take a non-blocking exclusive flock, issue BLKRRPART
// (spec.md 4.7, step 1).
type blockRepartitioner struct{}

// NewBlockRepartitioner returns the real ioctl-backed RePartitioner.
func NewBlockRepartitioner() RePartitioner { return blockRepartitioner{} }

func (blockRepartitioner) Reread(devname string) error {
	fd, err := unix.Open(devname, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return err
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	return ioctlNoArg(fd, blkrrpart)
}

func ioctlNoArg(fd int, req uint) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
