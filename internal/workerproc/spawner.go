package workerproc

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/udevd/internal/event"
	"github.com/joeycumines/udevd/internal/workerpool"
)

// WorkerEnv is the control-plane dynamic property table to export to a
// newly spawned worker (spec.md 4.6's SET_ENV), resolved once per spawn so
// later SET_ENV mutations only affect workers spawned afterward -- matching
// the control table's own "SIGTERM all workers so the new env takes effect
// on respawn" semantics.
type WorkerEnv func() map[string]string

// Spawner implements dispatch.Spawner: re-exec's the current binary with
// the hidden "__worker" argv[0] marker (spec.md 9's design note: "exec'd
// separate program" rather than a raw fork, since Go offers no portable
// fork-without-exec). The child inherits one end of a freshly created
// SOCK_SEQPACKET socketpair as fd 3.
type Spawner struct {
	execPath string
	env      WorkerEnv
}

// New returns a Spawner that re-execs execPath (normally os.Args[0]) with
// the worker marker argument. env is read fresh on every Spawn call.
func New(execPath string, env WorkerEnv) *Spawner {
	return &Spawner{execPath: execPath, env: env}
}

const WorkerArgMarker = "__worker"

// Spawn implements dispatch.Spawner (spec.md 4.5's "Spawning").
func (s *Spawner) Spawn(e *event.Event) (pid int, endpoint workerpool.Endpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, nil, err
	}
	parentFD, childFD := fds[0], fds[1]

	if err := SetPassCred(parentFD); err != nil {
		_ = unix.Close(parentFD)
		_ = unix.Close(childFD)
		return 0, nil, err
	}

	childFile := os.NewFile(uintptr(childFD), "worker-socket")
	defer childFile.Close()

	cmd := exec.Command(s.execPath, WorkerArgMarker)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = envSlice(s.env())
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Parent-death -> SIGTERM, and a fresh process group so signals
		// aimed at the daemon's own group don't also hit workers (spec.md
		// 4.5: "requests parent-death -> SIGTERM").
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	if err := cmd.Start(); err != nil {
		_ = unix.Close(parentFD)
		return 0, nil, err
	}

	return cmd.Process.Pid, &Endpoint{fd: parentFD}, nil
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m)+len(os.Environ()))
	out = append(out, os.Environ()...)
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
