// Package store defines the durable transactional storage the marketplace
// runs on. Drivers map missing rows to model.ErrNotFound and driver faults
// to model.ErrTransient.
package store

import (
	"context"

	"go-gigmarket/model"
)

type Store interface {
	CreateTask(ctx context.Context, task model.Task) (model.Task, error)
	// GetTask returns the task with its subtasks ordered by ordinal.
	GetTask(ctx context.Context, id int64) (model.Task, error)
	// ListTasks returns tasks in any of statuses, or all tasks when none are given.
	ListTasks(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error)
	// AssignTask sets the sender and moves open -> assigned only if the
	// stored status is still open. model.ErrInvalidState otherwise.
	AssignTask(ctx context.Context, id, senderID int64) (model.Task, error)
	// CancelTask moves an open or assigned task to failed.
	CancelTask(ctx context.Context, id int64) (model.Task, error)
	// InsertSubtasks stores subtasks unless the task already has some, and
	// returns what is stored afterwards plus whether this call inserted.
	InsertSubtasks(ctx context.Context, taskID int64, subtasks []model.Subtask) ([]model.Subtask, bool, error)
	ListSubtasks(ctx context.Context, taskID int64) ([]model.Subtask, error)
	ListUploads(ctx context.Context, taskID int64) ([]model.Upload, error)
	// WithinTx runs fn in one transaction. Any error from fn rolls back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the write surface of an upload transaction.
type Tx interface {
	// LockTask reads the task and holds it until commit.
	LockTask(ctx context.Context, id int64) (model.Task, error)
	GetSubtask(ctx context.Context, taskID int64, ordinal int) (model.Subtask, error)
	AppendUpload(ctx context.Context, upload model.Upload) (model.Upload, error)
	SetSubtaskStatus(ctx context.Context, taskID int64, ordinal int, status model.SubtaskStatus) error
	CountSubtasks(ctx context.Context, taskID int64) (total, notPassed int, err error)
	SetTaskStatus(ctx context.Context, taskID int64, status model.TaskStatus) error
}
