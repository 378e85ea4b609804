//go:build !windows

package scanner

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// DefaultTerminator signals the whole process group.
func DefaultTerminator(grace time.Duration) Terminator {
	return &signalTerminator{grace: grace}
}

// signalTerminator sends SIGTERM to the process group and escalates to
// SIGKILL after grace without blocking the caller.
type signalTerminator struct {
	grace time.Duration
}

// Terminate signals -pid: configureProcess makes every capture process the
// leader of its own group, so the group outlives a reaped leader.
func (t *signalTerminator) Terminate(pid int) error {
	if pid <= 0 {
		return ErrProcessGone
	}
	if t.grace <= 0 {
		return kill(-pid, unix.SIGKILL)
	}
	if err := kill(-pid, unix.SIGTERM); err != nil {
		return err
	}
	time.AfterFunc(t.grace, func() {
		_ = unix.Kill(-pid, unix.SIGKILL)
	})
	return nil
}

// reapGroup kills whatever is left in the group of a leader that has exited.
func reapGroup(pid int) {
	if pid > 0 {
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
}

func kill(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessGone
		}
		return fmt.Errorf("kill %d with %s: %w", pid, sig, err)
	}
	return nil
}
