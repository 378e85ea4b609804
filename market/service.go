// Package market runs the task lifecycle: it is the only code that writes
// task and subtask status, and it publishes a change event after every
// committed write.
package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go-gigmarket/decompose"
	"go-gigmarket/keylock"
	"go-gigmarket/lifecycle"
	"go-gigmarket/model"
	"go-gigmarket/scanner"
	"go-gigmarket/store"

	"go.uber.org/zap"
)

type EventSink interface {
	Enqueue(ctx context.Context, ev model.Event) error
}

type Scanner interface {
	Start(taskID int64, subtaskID int, criteria string) (scanner.Handle, error)
	Stop(taskID int64, subtaskID int) error
	StopTask(taskID int64) error
}

type Options struct {
	Gateway    decompose.Gateway
	Scanner    Scanner
	Events     EventSink
	Classifier Classifier
	Policy     lifecycle.FailurePolicy
	Logger     *zap.Logger
}

// Outcome is the state after one evidence upload.
type Outcome struct {
	SubtaskStatus model.SubtaskStatus `json:"subtaskStatus"`
	TaskStatus    model.TaskStatus    `json:"taskStatus"`
}

type Service struct {
	store      store.Store
	gateway    decompose.Gateway
	scanner    Scanner
	events     EventSink
	classifier Classifier
	policy     lifecycle.FailurePolicy
	locks      *keylock.Map
	logger     *zap.Logger
}

type discardSink struct{}

func (discardSink) Enqueue(context.Context, model.Event) error { return nil }

func New(st store.Store, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("market: store is nil")
	}
	s := &Service{
		store:      st,
		gateway:    opts.Gateway,
		scanner:    opts.Scanner,
		events:     opts.Events,
		classifier: opts.Classifier,
		policy:     opts.Policy,
		locks:      keylock.New(),
		logger:     opts.Logger,
	}
	if s.gateway == nil {
		s.gateway = decompose.Static{}
	}
	if s.events == nil {
		s.events = discardSink{}
	}
	if s.classifier == nil {
		s.classifier = ResultClassifier{}
	}
	if s.policy == "" {
		s.policy = lifecycle.Retryable
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("market")
	return s, nil
}

func taskKey(id int64) string { return strconv.FormatInt(id, 10) }

// emit hands a committed change to the event sink. The change is already
// durable, so a sink failure is logged and never returned.
func (s *Service) emit(ctx context.Context, ev model.Event) {
	if err := s.events.Enqueue(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to enqueue event",
			zap.String("type", string(ev.Type)),
			zap.Int64("task_id", ev.TaskID),
			zap.Error(err),
		)
	}
}

func (s *Service) CreateTask(ctx context.Context, description string, payment float64, receiverID int64) (model.Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return model.Task{}, fmt.Errorf("%w: description is required", model.ErrInvalidInput)
	}
	if payment <= 0 {
		return model.Task{}, fmt.Errorf("%w: payment must be positive", model.ErrInvalidInput)
	}
	if receiverID <= 0 {
		return model.Task{}, fmt.Errorf("%w: receiver id is required", model.ErrInvalidInput)
	}

	task, err := s.store.CreateTask(ctx, model.Task{
		Description: description,
		Payment:     payment,
		ReceiverID:  receiverID,
	})
	if err != nil {
		return model.Task{}, err
	}
	s.logger.Info("task created", zap.Int64("task_id", task.ID), zap.Int64("receiver_id", receiverID))
	s.emit(ctx, model.TaskCreated(task))
	return task, nil
}

// ListAvailableTasks returns tasks that are open or being worked on.
func (s *Service) ListAvailableTasks(ctx context.Context) ([]model.Task, error) {
	return s.store.ListTasks(ctx, model.TaskOpen, model.TaskAssigned)
}

func (s *Service) GetTask(ctx context.Context, id int64) (model.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListUploads(ctx context.Context, taskID int64) ([]model.Upload, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListUploads(ctx, taskID)
}

// AssignTask claims an open task for senderID. Only one of many concurrent
// claims wins; the losers get an error matching both ErrInvalidState and
// ErrConflict.
func (s *Service) AssignTask(ctx context.Context, taskID, senderID int64) (model.Task, error) {
	if senderID <= 0 {
		return model.Task{}, fmt.Errorf("%w: sender id is required", model.ErrInvalidInput)
	}
	task, err := s.store.AssignTask(ctx, taskID, senderID)
	if err != nil {
		if errors.Is(err, model.ErrInvalidState) {
			if cur, gerr := s.store.GetTask(ctx, taskID); gerr == nil && cur.Status == model.TaskAssigned {
				return model.Task{}, fmt.Errorf("%w: %w: task %d is already assigned", model.ErrInvalidState, model.ErrConflict, taskID)
			}
		}
		return model.Task{}, err
	}
	s.logger.Info("task assigned", zap.Int64("task_id", taskID), zap.Int64("sender_id", senderID))
	s.emit(ctx, model.TaskUpdated(task))
	return task, nil
}

// Decompose stores the three subtasks of a task. A task that already has
// subtasks gets them back unchanged. Gateway failures fall back to the
// generic plan instead of failing the call.
func (s *Service) Decompose(ctx context.Context, taskID int64, description string) ([]model.Subtask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(task.Subtasks) > 0 {
		return task.Subtasks, nil
	}
	if task.Status != model.TaskOpen && task.Status != model.TaskAssigned {
		return nil, fmt.Errorf("%w: task %d is %s", model.ErrInvalidState, taskID, task.Status)
	}

	description = strings.TrimSpace(description)
	if description == "" {
		description = task.Description
	}

	specs, err := s.gateway.Decompose(ctx, description)
	if err == nil {
		specs, err = decompose.Validate(specs)
	}
	if err != nil {
		if !errors.Is(err, model.ErrExternalService) {
			err = fmt.Errorf("%w: %v", model.ErrExternalService, err)
		}
		s.logger.Warn("decomposition failed, using fallback subtasks", zap.Int64("task_id", taskID), zap.Error(err))
		specs = decompose.Fallback()
	}

	descriptions := make([]string, 0, len(specs))
	criteria := make([]string, 0, len(specs))
	for _, sp := range specs {
		descriptions = append(descriptions, sp.Description)
		criteria = append(criteria, sp.Criteria)
	}
	subtasks, err := lifecycle.NewSubtasks(taskID, descriptions, criteria)
	if err != nil {
		return nil, err
	}

	stored, inserted, err := s.store.InsertSubtasks(ctx, taskID, subtasks)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.logger.Info("subtasks generated", zap.Int64("task_id", taskID))
		s.emit(ctx, model.SubtasksGenerated(taskID, stored))
	}
	return stored, nil
}

// SubmitEvidence records one upload and moves the subtask and task in a
// single transaction. Uploads for the same task are serialized so the
// aggregate is always computed over every earlier upload's result.
func (s *Service) SubmitEvidence(ctx context.Context, senderID, taskID int64, subtaskID int, raw string) (Outcome, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	var subtask *model.Subtask
	for i := range task.Subtasks {
		if task.Subtasks[i].Ordinal == subtaskID {
			subtask = &task.Subtasks[i]
		}
	}
	if subtask == nil {
		return Outcome{}, fmt.Errorf("%w: subtask %d of task %d", model.ErrNotFound, subtaskID, taskID)
	}

	verdict, err := s.classifier.Classify(ctx, *subtask, raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: classify evidence: %v", model.ErrTransient, err)
	}

	unlock := s.locks.Lock(taskKey(taskID))
	defer unlock()

	var (
		out         Outcome
		updated     model.Task
		taskChanged bool
	)
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !locked.AssignedTo(senderID) {
			return fmt.Errorf("%w: task %d is not assigned to sender %d", model.ErrNotFound, taskID, senderID)
		}
		if !lifecycle.AcceptsUploads(locked.Status) {
			return fmt.Errorf("%w: task %d is %s", model.ErrInvalidState, taskID, locked.Status)
		}
		sub, err := tx.GetSubtask(ctx, taskID, subtaskID)
		if err != nil {
			return err
		}

		if _, err := tx.AppendUpload(ctx, model.Upload{
			SenderID:  senderID,
			TaskID:    taskID,
			SubtaskID: subtaskID,
			Result:    raw,
		}); err != nil {
			return err
		}

		next := lifecycle.ApplyVerdict(sub.Status, verdict, s.policy)
		if next != sub.Status {
			if err := tx.SetSubtaskStatus(ctx, taskID, subtaskID, next); err != nil {
				return err
			}
		}

		total, notPassed, err := tx.CountSubtasks(ctx, taskID)
		if err != nil {
			return err
		}
		agg := lifecycle.Aggregate(locked.Status, total, notPassed)
		if agg != locked.Status {
			if err := lifecycle.ValidateTaskTransition(locked.Status, agg); err != nil {
				return err
			}
			if err := tx.SetTaskStatus(ctx, taskID, agg); err != nil {
				return err
			}
			taskChanged = true
			locked.Status = agg
		}

		out = Outcome{SubtaskStatus: next, TaskStatus: agg}
		updated = locked
		return nil
	})
	if err != nil {
		return Outcome{}, asTransient(err)
	}

	log := s.logger.With(zap.Int64("task_id", taskID), zap.Int("subtask_id", subtaskID))
	log.Info("evidence recorded",
		zap.String("verdict", string(verdict)),
		zap.String("subtask_status", string(out.SubtaskStatus)),
		zap.String("task_status", string(out.TaskStatus)),
	)

	s.emit(ctx, model.SubtaskUpdated(taskID, subtaskID, out.SubtaskStatus))
	if taskChanged {
		if fresh, err := s.store.GetTask(ctx, taskID); err == nil {
			updated = fresh
		}
		s.emit(ctx, model.TaskUpdated(updated))
	}

	if out.SubtaskStatus == model.SubtaskPassed && s.scanner != nil {
		if err := s.scanner.Stop(taskID, subtaskID); err != nil {
			log.Warn("failed to stop scanner after pass", zap.Error(err))
		}
	}
	return out, nil
}

// asTransient keeps caller-facing taxonomy errors and reports everything
// else as a retryable failure.
func asTransient(err error) error {
	for _, known := range []error{model.ErrNotFound, model.ErrInvalidState, model.ErrConflict, model.ErrTransient, model.ErrInvalidInput} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", model.ErrTransient, err)
}

// CancelTask lets the receiver withdraw an open or assigned task. The task
// ends failed and every scanning session it had is stopped.
func (s *Service) CancelTask(ctx context.Context, taskID, receiverID int64) (model.Task, error) {
	unlock := s.locks.Lock(taskKey(taskID))
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.ReceiverID != receiverID {
		return model.Task{}, fmt.Errorf("%w: task %d is not owned by receiver %d", model.ErrNotFound, taskID, receiverID)
	}
	if err := lifecycle.ValidateTaskTransition(task.Status, model.TaskFailed); err != nil {
		return model.Task{}, err
	}
	updated, err := s.store.CancelTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Info("task cancelled", zap.Int64("task_id", taskID))
	s.emit(ctx, model.TaskUpdated(updated))
	if s.scanner != nil {
		if err := s.scanner.StopTask(taskID); err != nil {
			s.logger.Warn("failed to stop scanners of cancelled task", zap.Int64("task_id", taskID), zap.Error(err))
		}
	}
	return updated, nil
}

// StartScanning launches evidence capture for a pending subtask of an
// assigned task. Empty criteria uses the subtask's own.
func (s *Service) StartScanning(ctx context.Context, taskID int64, subtaskID int, criteria string) (scanner.Handle, error) {
	if s.scanner == nil {
		return scanner.Handle{}, fmt.Errorf("%w: scanning is not configured", model.ErrInvalidState)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return scanner.Handle{}, err
	}
	if task.Status != model.TaskAssigned {
		return scanner.Handle{}, fmt.Errorf("%w: task %d is %s", model.ErrInvalidState, taskID, task.Status)
	}
	var subtask *model.Subtask
	for i := range task.Subtasks {
		if task.Subtasks[i].Ordinal == subtaskID {
			subtask = &task.Subtasks[i]
		}
	}
	if subtask == nil {
		return scanner.Handle{}, fmt.Errorf("%w: subtask %d of task %d", model.ErrNotFound, subtaskID, taskID)
	}
	if subtask.Status != model.SubtaskPending {
		return scanner.Handle{}, fmt.Errorf("%w: subtask %d is %s", model.ErrInvalidState, subtaskID, subtask.Status)
	}
	if strings.TrimSpace(criteria) == "" {
		criteria = subtask.Criteria
	}
	return s.scanner.Start(taskID, subtaskID, criteria)
}

// StopScanning ends the pair's session; no session is not an error.
func (s *Service) StopScanning(_ context.Context, taskID int64, subtaskID int) error {
	if s.scanner == nil {
		return nil
	}
	return s.scanner.Stop(taskID, subtaskID)
}
