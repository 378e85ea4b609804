// Package scanner supervises the external evidence-capture processes, at most
// one per (task, subtask) pair.
package scanner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-gigmarket/keylock"
	"go-gigmarket/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	// Command and Args start the capture process. The supervisor appends
	// --taskID, --subtaskID and --criteria.
	Command   string
	Args      []string
	Dir       string
	Env       []string
	KillGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// Handle identifies one live scanning session.
type Handle struct {
	ID        string    `json:"sessionId"`
	TaskID    int64     `json:"taskId"`
	SubtaskID int       `json:"subtaskId"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type session struct {
	handle Handle
	cmd    *exec.Cmd
	done   chan struct{}
}

type Supervisor struct {
	cfg        Config
	terminator Terminator
	logger     *zap.Logger
	locks      *keylock.Map

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config, terminator Terminator, logger *zap.Logger) (*Supervisor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w: scanner command is required", model.ErrInvalidInput)
	}
	if terminator == nil {
		terminator = DefaultTerminator(cfg.KillGrace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:        cfg,
		terminator: terminator,
		logger:     logger.Named("scanner"),
		locks:      keylock.New(),
		sessions:   map[string]*session{},
	}, nil
}

func sessionKey(taskID int64, subtaskID int) string {
	return strconv.FormatInt(taskID, 10) + "::" + strconv.Itoa(subtaskID)
}

// Start launches the capture process for the pair, or returns the live
// session's handle if one is already running.
func (s *Supervisor) Start(taskID int64, subtaskID int, criteria string) (Handle, error) {
	key := sessionKey(taskID, subtaskID)
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: supervisor is shut down", model.ErrInvalidState)
	}
	if sess, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return sess.handle, nil
	}
	s.mu.Unlock()

	log := s.logger.With(zap.Int64("task_id", taskID), zap.Int("subtask_id", subtaskID))

	args := append(slices.Clone(s.cfg.Args),
		"--taskID", strconv.FormatInt(taskID, 10),
		"--subtaskID", strconv.Itoa(subtaskID),
		"--criteria", criteria,
	)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		log.Error("failed to start scanner", zap.String("command", s.cfg.Command), zap.Error(err))
		return Handle{}, fmt.Errorf("%w: start scanner for task %d subtask %d: %v", model.ErrTransient, taskID, subtaskID, err)
	}

	sess := &session{
		handle: Handle{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			SubtaskID: subtaskID,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.terminator.Terminate(sess.handle.PID)
		go func() {
			_ = cmd.Wait()
			reapGroup(sess.handle.PID)
		}()
		return Handle{}, fmt.Errorf("%w: supervisor is shut down", model.ErrInvalidState)
	}
	s.wg.Add(1)
	s.sessions[key] = sess
	s.mu.Unlock()

	go s.observe(key, sess)
	log.Info("scanner started", zap.Int("pid", sess.handle.PID), zap.String("session_id", sess.handle.ID))
	return sess.handle, nil
}

// observe reaps the process and deregisters the session it was started for,
// leaving any newer session under the same key alone.
func (s *Supervisor) observe(key string, sess *session) {
	defer s.wg.Done()
	err := sess.cmd.Wait()
	reapGroup(sess.handle.PID)
	close(sess.done)

	s.mu.Lock()
	current, ok := s.sessions[key]
	unexpected := ok && current == sess
	if unexpected {
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	log := s.logger.With(
		zap.Int64("task_id", sess.handle.TaskID),
		zap.Int("subtask_id", sess.handle.SubtaskID),
		zap.Int("pid", sess.handle.PID),
	)
	if unexpected {
		log.Warn("scanner exited on its own", zap.Error(err))
		return
	}
	log.Info("scanner stopped")
}

// Stop deregisters the pair's session before returning and terminates its
// process tree. No session is a no-op.
func (s *Supervisor) Stop(taskID int64, subtaskID int) error {
	key := sessionKey(taskID, subtaskID)
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.terminator.Terminate(sess.handle.PID)
	if err == nil || errors.Is(err, ErrProcessGone) {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	default:
	}
	s.logger.Error("failed to terminate scanner",
		zap.Int64("task_id", taskID),
		zap.Int("subtask_id", subtaskID),
		zap.Int("pid", sess.handle.PID),
		zap.Error(err),
	)
	return fmt.Errorf("%w: stop scanner for task %d subtask %d: %v", model.ErrTransient, taskID, subtaskID, err)
}

// StopTask stops every session that belongs to taskID.
func (s *Supervisor) StopTask(taskID int64) error {
	var errs []error
	for _, h := range s.Sessions() {
		if h.TaskID != taskID {
			continue
		}
		if err := s.Stop(h.TaskID, h.SubtaskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) Active(taskID int64, subtaskID int) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(taskID, subtaskID)]
	if !ok {
		return Handle{}, false
	}
	return sess.handle, true
}

func (s *Supervisor) Sessions() []Handle {
	s.mu.Lock()
	out := make([]Handle, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.handle)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Handle) int {
		if c := cmp.Compare(a.TaskID, b.TaskID); c != 0 {
			return c
		}
		return cmp.Compare(a.SubtaskID, b.SubtaskID)
	})
	return out
}

// Shutdown refuses new sessions, stops the live ones and waits for their
// processes to be reaped or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]Handle, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess.handle)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range live {
		if err := s.Stop(h.TaskID, h.SubtaskID); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for scanners to exit: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
