//go:build !windows

package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go-gigmarket/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newShellSupervisor runs script under sh; the appended flags land in "$@".
func newShellSupervisor(t *testing.T, script string, term Terminator) *Supervisor {
	t.Helper()
	s, err := New(Config{
		Command:   "sh",
		Args:      []string{"-c", script, "scanner"},
		KillGrace: 200 * time.Millisecond,
	}, term, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func processAlive(pid int) bool {
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		// A zombie has already exited and only waits to be reaped.
		fields := strings.Fields(string(data))
		return len(fields) > 2 && fields[2] != "Z"
	}
	return unix.Kill(pid, 0) == nil
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestStartIsIdempotent(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", nil)

	first, err := s.Start(1, 1, "receipt")
	require.NoError(t, err)
	second, err := s.Start(1, 1, "receipt")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, s.Sessions(), 1)
	assert.True(t, processAlive(first.PID))
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawns")
	s := newShellSupervisor(t, fmt.Sprintf("echo x >> %s; sleep 30", marker), nil)

	var wg sync.WaitGroup
	handles := make([]Handle, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Start(2, 1, "c")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Equal(t, handles[0].ID, h.ID)
	}
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "x"))
}

func TestStartPassesTaskArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	s := newShellSupervisor(t, fmt.Sprintf(`echo "$@" > %s; sleep 30`, out), nil)

	_, err := s.Start(5, 2, "receipt")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(data)) == "--taskID 5 --subtaskID 2 --criteria receipt"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDifferentPairsGetSeparateSessions(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", nil)

	a, err := s.Start(3, 1, "c")
	require.NoError(t, err)
	b, err := s.Start(3, 2, "c")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.PID, b.PID)
	assert.Len(t, s.Sessions(), 2)

	require.NoError(t, s.Stop(3, 1))
	_, ok := s.Active(3, 2)
	assert.True(t, ok, "stopping one pair leaves the other running")
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", nil)

	assert.NoError(t, s.Stop(42, 3))
	assert.NoError(t, s.Stop(42, 3))
}

func TestStopDeregistersAndKillsProcess(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", nil)

	h, err := s.Start(4, 1, "c")
	require.NoError(t, err)

	require.NoError(t, s.Stop(4, 1))
	_, ok := s.Active(4, 1)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return !processAlive(h.PID) }, 5*time.Second, 10*time.Millisecond)

	next, err := s.Start(4, 1, "c")
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, next.ID)
}

func TestStopKillsDescendants(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	s := newShellSupervisor(t, fmt.Sprintf("sleep 30 & echo $! > %s; wait", pidFile), nil)

	_, err := s.Start(5, 1, "c")
	require.NoError(t, err)
	child := readPID(t, pidFile)
	require.True(t, processAlive(child))

	require.NoError(t, s.Stop(5, 1))
	require.Eventually(t, func() bool { return !processAlive(child) }, 5*time.Second, 10*time.Millisecond)
}

func TestUnexpectedExitDeregisters(t *testing.T) {
	s := newShellSupervisor(t, "exit 3", nil)

	first, err := s.Start(6, 1, "c")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := s.Active(6, 1)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	second, err := s.Start(6, 1, "c")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestUnexpectedExitKillsLeftoverHelpers(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "helper.pid")
	s := newShellSupervisor(t, fmt.Sprintf("sleep 30 & echo $! > %s; exit 0", pidFile), nil)

	_, err := s.Start(12, 1, "c")
	require.NoError(t, err)
	helper := readPID(t, pidFile)
	t.Cleanup(func() { _ = unix.Kill(helper, unix.SIGKILL) })

	require.Eventually(t, func() bool {
		_, ok := s.Active(12, 1)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !processAlive(helper) }, 2*time.Second, 10*time.Millisecond,
		"helper outlived its deregistered session")

	require.NoError(t, s.Stop(12, 1))
}

func TestSpawnFailureIsTransient(t *testing.T) {
	s, err := New(Config{Command: filepath.Join(t.TempDir(), "missing-scanner")}, nil, nil)
	require.NoError(t, err)

	_, err = s.Start(7, 1, "c")
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.Empty(t, s.Sessions())
}

type failingTerminator struct{}

func (failingTerminator) Terminate(int) error { return errors.New("access denied") }

func TestStopReportsTerminationFailure(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", failingTerminator{})

	h, err := s.Start(8, 1, "c")
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Kill(-h.PID, unix.SIGKILL) })

	err = s.Stop(8, 1)
	assert.ErrorIs(t, err, model.ErrTransient)
	_, ok := s.Active(8, 1)
	assert.False(t, ok, "bookkeeping drops the handle even when the kill fails")
}

func TestStopTaskStopsOnlyThatTask(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", nil)

	for sub := 1; sub <= 3; sub++ {
		_, err := s.Start(9, sub, "c")
		require.NoError(t, err)
	}
	_, err := s.Start(10, 1, "c")
	require.NoError(t, err)

	require.NoError(t, s.StopTask(9))
	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(10), sessions[0].TaskID)
}

func TestShutdownStopsEverything(t *testing.T) {
	s, err := New(Config{Command: "sh", Args: []string{"-c", "sleep 30", "scanner"}}, nil, nil)
	require.NoError(t, err)

	var pids []int
	for sub := 1; sub <= 2; sub++ {
		h, err := s.Start(11, sub, "c")
		require.NoError(t, err)
		pids = append(pids, h.PID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Empty(t, s.Sessions())
	for _, pid := range pids {
		assert.False(t, processAlive(pid))
	}
	_, err = s.Start(11, 3, "c")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestSessionsOrderedByTaskThenSubtask(t *testing.T) {
	s := newShellSupervisor(t, "sleep 30", nil)

	for _, p := range []struct {
		task int64
		sub  int
	}{{math.MaxInt64, 1}, {-1, 2}, {-1, 1}} {
		_, err := s.Start(p.task, p.sub, "c")
		require.NoError(t, err)
	}

	sessions := s.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, int64(-1), sessions[0].TaskID)
	assert.Equal(t, 1, sessions[0].SubtaskID)
	assert.Equal(t, 2, sessions[1].SubtaskID)
	assert.Equal(t, int64(math.MaxInt64), sessions[2].TaskID)
}

func TestStartRacingShutdown(t *testing.T) {
	s, err := New(Config{Command: "sh", Args: []string{"-c", "sleep 30", "scanner"}}, nil, nil)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pids []int
	)
	for sub := 1; sub <= 8; sub++ {
		wg.Add(1)
		go func(sub int) {
			defer wg.Done()
			h, err := s.Start(13, sub, "c")
			if err != nil {
				assert.ErrorIs(t, err, model.ErrInvalidState)
				return
			}
			mu.Lock()
			pids = append(pids, h.PID)
			mu.Unlock()
		}(sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	wg.Wait()

	assert.Empty(t, s.Sessions())
	mu.Lock()
	defer mu.Unlock()
	for _, pid := range pids {
		pid := pid
		assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 10*time.Millisecond)
	}
}
