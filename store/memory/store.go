// Package memory is an in-process store.Store for tests and local runs.
// Transactions work on a copy of the state that replaces the live state
// only on commit, and faults can be injected per transaction step.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go-gigmarket/model"
	"go-gigmarket/store"
)

type Step string

const (
	StepLockTask         Step = "lock_task"
	StepGetSubtask       Step = "get_subtask"
	StepAppendUpload     Step = "append_upload"
	StepSetSubtaskStatus Step = "set_subtask_status"
	StepCountSubtasks    Step = "count_subtasks"
	StepSetTaskStatus    Step = "set_task_status"
	StepCommit           Step = "commit"
)

var _ store.Store = (*Store)(nil)

type state struct {
	nextTaskID   int64
	nextUploadID int64
	tasks        map[int64]model.Task
	subtasks     map[int64][]model.Subtask
	uploads      []model.Upload
}

func (s *state) clone() *state {
	c := &state{
		nextTaskID:   s.nextTaskID,
		nextUploadID: s.nextUploadID,
		tasks:        make(map[int64]model.Task, len(s.tasks)),
		subtasks:     make(map[int64][]model.Subtask, len(s.subtasks)),
		uploads:      slices.Clone(s.uploads),
	}
	for id, t := range s.tasks {
		c.tasks[id] = t
	}
	for id, subs := range s.subtasks {
		c.subtasks[id] = slices.Clone(subs)
	}
	return c
}

type Store struct {
	mu     sync.Mutex
	state  *state
	faults map[Step]error
	now    func() time.Time
}

func New() *Store {
	return &Store{
		state: &state{
			tasks:    map[int64]model.Task{},
			subtasks: map[int64][]model.Subtask{},
		},
		faults: map[Step]error{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FailOn makes every later transaction fail at step with err until
// ClearFaults is called.
func (s *Store) FailOn(step Step, err error) {
	s.mu.Lock()
	s.faults[step] = err
	s.mu.Unlock()
}

func (s *Store) ClearFaults() {
	s.mu.Lock()
	s.faults = map[Step]error{}
	s.mu.Unlock()
}

func (s *Store) Close() {}

func (s *Store) CreateTask(_ context.Context, task model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.nextTaskID++
	task.ID = s.state.nextTaskID
	task.Status = model.TaskOpen
	task.SenderID = nil
	task.Subtasks = nil
	task.CreatedAt = s.now()
	task.UpdatedAt = task.CreatedAt
	s.state.tasks[task.ID] = task
	return task, nil
}

func (s *Store) GetTask(_ context.Context, id int64) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.task(id)
}

func (st *state) task(id int64) (model.Task, error) {
	task, ok := st.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: task %d", model.ErrNotFound, id)
	}
	task.Subtasks = slices.Clone(st.subtasks[id])
	return task, nil
}

func (s *Store) ListTasks(_ context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]model.Task, 0, len(s.state.tasks))
	for id := range s.state.tasks {
		task, _ := s.state.task(id)
		if len(statuses) > 0 && !slices.Contains(statuses, task.Status) {
			continue
		}
		tasks = append(tasks, task)
	}
	slices.SortFunc(tasks, func(a, b model.Task) int { return cmp.Compare(a.ID, b.ID) })
	return tasks, nil
}

func (s *Store) AssignTask(_ context.Context, id, senderID int64) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.state.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: task %d", model.ErrNotFound, id)
	}
	if task.Status != model.TaskOpen {
		return model.Task{}, fmt.Errorf("%w: task %d is %s", model.ErrInvalidState, id, task.Status)
	}
	sender := senderID
	task.SenderID = &sender
	task.Status = model.TaskAssigned
	task.UpdatedAt = s.now()
	s.state.tasks[id] = task
	return s.state.task(id)
}

func (s *Store) CancelTask(_ context.Context, id int64) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.state.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: task %d", model.ErrNotFound, id)
	}
	if task.Status != model.TaskOpen && task.Status != model.TaskAssigned {
		return model.Task{}, fmt.Errorf("%w: task %d is %s", model.ErrInvalidState, id, task.Status)
	}
	task.Status = model.TaskFailed
	task.UpdatedAt = s.now()
	s.state.tasks[id] = task
	return s.state.task(id)
}

func (s *Store) InsertSubtasks(_ context.Context, taskID int64, subtasks []model.Subtask) ([]model.Subtask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.tasks[taskID]; !ok {
		return nil, false, fmt.Errorf("%w: task %d", model.ErrNotFound, taskID)
	}
	if existing := s.state.subtasks[taskID]; len(existing) > 0 {
		return slices.Clone(existing), false, nil
	}
	stored := slices.Clone(subtasks)
	slices.SortFunc(stored, func(a, b model.Subtask) int { return cmp.Compare(a.Ordinal, b.Ordinal) })
	s.state.subtasks[taskID] = stored
	return slices.Clone(stored), true, nil
}

func (s *Store) ListSubtasks(_ context.Context, taskID int64) ([]model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.subtasks[taskID]), nil
}

func (s *Store) ListUploads(_ context.Context, taskID int64) ([]model.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Upload
	for _, u := range s.state.uploads {
		if u.TaskID == taskID {
			out = append(out, u)
		}
	}
	return out, nil
}

// WithinTx holds the store for the whole transaction, so transactions are
// serialized and LockTask needs no extra bookkeeping.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.state.clone(), faults: s.faults, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.fault(StepCommit); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

type memTx struct {
	st     *state
	faults map[Step]error
	now    func() time.Time
}

func (tx *memTx) fault(step Step) error {
	if err, ok := tx.faults[step]; ok {
		return fmt.Errorf("%w: %s: %v", model.ErrTransient, step, err)
	}
	return nil
}

func (tx *memTx) LockTask(_ context.Context, id int64) (model.Task, error) {
	if err := tx.fault(StepLockTask); err != nil {
		return model.Task{}, err
	}
	return tx.st.task(id)
}

func (tx *memTx) GetSubtask(_ context.Context, taskID int64, ordinal int) (model.Subtask, error) {
	if err := tx.fault(StepGetSubtask); err != nil {
		return model.Subtask{}, err
	}
	for _, sub := range tx.st.subtasks[taskID] {
		if sub.Ordinal == ordinal {
			return sub, nil
		}
	}
	return model.Subtask{}, fmt.Errorf("%w: subtask %d of task %d", model.ErrNotFound, ordinal, taskID)
}

func (tx *memTx) AppendUpload(_ context.Context, upload model.Upload) (model.Upload, error) {
	if err := tx.fault(StepAppendUpload); err != nil {
		return model.Upload{}, err
	}
	tx.st.nextUploadID++
	upload.ID = tx.st.nextUploadID
	upload.CreatedAt = tx.now()
	tx.st.uploads = append(tx.st.uploads, upload)
	return upload, nil
}

func (tx *memTx) SetSubtaskStatus(_ context.Context, taskID int64, ordinal int, status model.SubtaskStatus) error {
	if err := tx.fault(StepSetSubtaskStatus); err != nil {
		return err
	}
	subs := tx.st.subtasks[taskID]
	for i := range subs {
		if subs[i].Ordinal == ordinal {
			subs[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: subtask %d of task %d", model.ErrNotFound, ordinal, taskID)
}

func (tx *memTx) CountSubtasks(_ context.Context, taskID int64) (int, int, error) {
	if err := tx.fault(StepCountSubtasks); err != nil {
		return 0, 0, err
	}
	subs := tx.st.subtasks[taskID]
	notPassed := 0
	for _, sub := range subs {
		if sub.Status != model.SubtaskPassed {
			notPassed++
		}
	}
	return len(subs), notPassed, nil
}

func (tx *memTx) SetTaskStatus(_ context.Context, taskID int64, status model.TaskStatus) error {
	if err := tx.fault(StepSetTaskStatus); err != nil {
		return err
	}
	task, ok := tx.st.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %d", model.ErrNotFound, taskID)
	}
	task.Status = status
	task.UpdatedAt = tx.now()
	tx.st.tasks[taskID] = task
	return nil
}
