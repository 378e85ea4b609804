package scanner

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// ErrProcessGone is returned by a Terminator when nothing was left to kill.
var ErrProcessGone = errors.New("process already exited")

// Terminator ends a process together with every descendant it spawned.
type Terminator interface {
	Terminate(pid int) error
}

// treeKillTerminator walks and kills the process tree with taskkill.
type treeKillTerminator struct {
	command string
}

func newTreeKillTerminator() *treeKillTerminator {
	return &treeKillTerminator{command: "taskkill"}
}

func (t *treeKillTerminator) Terminate(pid int) error {
	if pid <= 0 {
		return ErrProcessGone
	}
	out, err := exec.Command(t.command, "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	// taskkill exits 128 when the pid no longer exists.
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 128 {
		return ErrProcessGone
	}
	return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
}
