//go:build linux || darwin

// Package unix provides the platform-specific process and socket helpers
// used by the supervisor.
package unix

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// SessionFD is the descriptor number at which a supervisor helper finds its
// session socket
const SessionFD = 3

// Socketpair returns both ends of a connected stream socket. Both ends are
// close-on-exec; hand one to a child through exec.Cmd.ExtraFiles.
func Socketpair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return os.NewFile(uintptr(fds[0]), "session-parent"), os.NewFile(uintptr(fds[1]), "session-child"), nil
}

// KillGroup sends sig to the process group led by pid, falling back to the
// process itself when it is not a group leader
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

// SignalNum returns the signal called name, with or without the SIG prefix
// and in any case, or 0 when there is none
func SignalNum(name string) syscall.Signal {
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return unix.SignalNum(name)
}

// SignalName returns the name of sig without the SIG prefix, or "" when
// sig is unknown
func SignalName(sig syscall.Signal) string {
	return strings.TrimPrefix(unix.SignalName(sig), "SIG")
}
