package workerproc

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/udevd/internal/event"
)

// Endpoint is the parent-side end of one worker's SOCK_SEQPACKET
// socketpair: workerpool.Endpoint for outbound device messages, plus the
// inbound-ack half the manager registers with the reactor (spec.md 4.4's
// "monitor_endpoint").
type Endpoint struct {
	fd int
}

// FD returns the file descriptor the reactor should poll for ack
// readiness.
func (e *Endpoint) FD() int { return e.fd }

// Send writes one device message (spec.md 4.5: "send the device to that
// worker's endpoint"). SOCK_SEQPACKET preserves message boundaries, so the
// worker's read sees exactly this payload.
func (e *Endpoint) Send(dev *event.Device) error {
	_, err := unix.Write(e.fd, encodeDevice(dev))
	return err
}

// Close releases the parent's end of the socketpair (spec.md 4.4: Free).
func (e *Endpoint) Close() error { return unix.Close(e.fd) }

// ReceiveAck reads one pending ack, verifying the sender's pid via
// SO_PASSCRED/SCM_CREDENTIALS ancillary data (spec.md 5: "the parent
// rejects messages whose sender pid is not a tracked worker, and messages
// whose size does not match the fixed ack frame"). wantPid is the pid the
// caller expects (the worker this Endpoint belongs to); a mismatch is
// reported as an error rather than silently accepted.
func (e *Endpoint) ReceiveAck(wantPid int) error {
	buf := make([]byte, ackFrameSize)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	n, oobn, _, _, err := unix.Recvmsg(e.fd, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		return err
	}
	if n != ackFrameSize {
		return &frameSizeError{got: n, want: ackFrameSize}
	}

	cred, err := parseCredentials(oob[:oobn])
	if err != nil {
		return err
	}
	if cred == nil {
		return errMissingCredentials
	}
	if int(cred.Pid) != wantPid {
		return &pidMismatchError{got: int(cred.Pid), want: wantPid}
	}
	return nil
}

// errMissingCredentials is returned when an ack frame carries no
// SCM_CREDENTIALS ancillary data at all. spec.md 7 classifies a
// "missing/invalid credentials" ack as malformed, to be logged and dropped
// exactly like a pid mismatch -- it must never be treated as trivially
// authenticated just because there's nothing to compare.
var errMissingCredentials = errors.New("workerproc: ack frame carries no SCM_CREDENTIALS")

func parseCredentials(oob []byte) (*unix.Ucred, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_CREDENTIALS {
			return unix.ParseUnixCredentials(&m)
		}
	}
	return nil, nil
}

type frameSizeError struct{ got, want int }

func (e *frameSizeError) Error() string {
	return "workerproc: ack frame size mismatch"
}

type pidMismatchError struct{ got, want int }

func (e *pidMismatchError) Error() string {
	return "workerproc: ack sender pid does not match tracked worker"
}

// SetPassCred enables SO_PASSCRED on fd so the kernel attaches sender
// credentials to every received message (spec.md 5).
func SetPassCred(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
}
