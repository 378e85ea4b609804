//go:build windows

package scanner

import (
	"os/exec"
	"time"
)

func configureProcess(cmd *exec.Cmd) {}

// DefaultTerminator kills the process tree with taskkill; Windows has no
// process-group signal to forward, so grace is unused.
func DefaultTerminator(_ time.Duration) Terminator {
	return newTreeKillTerminator()
}

// reapGroup is a no-op: taskkill /T walks the tree from a live parent, and
// Windows has no group to signal once the leader is gone.
func reapGroup(int) {}
