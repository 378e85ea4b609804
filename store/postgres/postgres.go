package postgres

import (
	"context"
	"errors"
	"fmt"

	"go-gigmarket/model"
	"go-gigmarket/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          BIGSERIAL PRIMARY KEY,
	description TEXT NOT NULL,
	payment     DOUBLE PRECISION NOT NULL,
	receiver_id BIGINT NOT NULL,
	sender_id   BIGINT,
	status      TEXT NOT NULL DEFAULT 'open',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK (status IN ('open', 'assigned', 'passed', 'failed')),
	CHECK (status = 'open' OR status = 'failed' OR sender_id IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS subtasks (
	task_id     BIGINT NOT NULL REFERENCES tasks(id),
	id          INT NOT NULL CHECK (id BETWEEN 1 AND 3),
	description TEXT NOT NULL,
	criteria    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY (task_id, id),
	CHECK (status IN ('pending', 'passed', 'failed'))
);

CREATE TABLE IF NOT EXISTS uploads (
	id         BIGSERIAL PRIMARY KEY,
	sender_id  BIGINT NOT NULL,
	task_id    BIGINT NOT NULL,
	subtask_id INT NOT NULL,
	result     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (task_id, subtask_id) REFERENCES subtasks(task_id, id)
);`

const taskColumns = `id, description, payment, receiver_id, sender_id, status, created_at, updated_at`

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool. An empty connString falls back to the PG* environment variables.
func Connect(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// queryer is what both the pool and a transaction offer.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanTask(row pgx.Row) (model.Task, error) {
	var task model.Task
	var status string
	err := row.Scan(&task.ID, &task.Description, &task.Payment, &task.ReceiverID, &task.SenderID,
		&status, &task.CreatedAt, &task.UpdatedAt)
	task.Status = model.TaskStatus(status)
	return task, err
}

func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, msg)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrTransient, msg, err)
}

func (s *Store) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	created, err := scanTask(s.pool.QueryRow(ctx, `
		INSERT INTO tasks (description, payment, receiver_id, status)
		VALUES ($1, $2, $3, 'open')
		RETURNING `+taskColumns,
		task.Description, task.Payment, task.ReceiverID,
	))
	if err != nil {
		return model.Task{}, wrap(err, "insert task")
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return model.Task{}, wrap(err, "task %d", id)
	}
	task.Subtasks, err = listSubtasks(ctx, s.pool, id)
	if err != nil {
		return model.Task{}, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	} else {
		filter := make([]string, 0, len(statuses))
		for _, st := range statuses {
			filter = append(filter, string(st))
		}
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ANY($1) ORDER BY id`, filter)
	}
	if err != nil {
		return nil, wrap(err, "list tasks")
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrap(err, "scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list tasks")
	}

	for i := range tasks {
		subs, err := listSubtasks(ctx, s.pool, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Subtasks = subs
	}
	return tasks, nil
}

// conditionalUpdate runs an UPDATE guarded on the current status and tells a
// missing row apart from a row in the wrong state.
func (s *Store) conditionalUpdate(ctx context.Context, id int64, sql string, args ...any) (model.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, sql, args...))
	if err == nil {
		task.Subtasks, err = listSubtasks(ctx, s.pool, id)
		return task, err
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, wrap(err, "update task %d", id)
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return model.Task{}, wrap(err, "task %d", id)
	}
	return model.Task{}, fmt.Errorf("%w: task %d is %s", model.ErrInvalidState, id, status)
}

func (s *Store) AssignTask(ctx context.Context, id, senderID int64) (model.Task, error) {
	return s.conditionalUpdate(ctx, id, `
		UPDATE tasks
		   SET sender_id = $1, status = 'assigned', updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2 AND status = 'open'
		RETURNING `+taskColumns,
		senderID, id)
}

func (s *Store) CancelTask(ctx context.Context, id int64) (model.Task, error) {
	return s.conditionalUpdate(ctx, id, `
		UPDATE tasks
		   SET status = 'failed', updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status IN ('open', 'assigned')
		RETURNING `+taskColumns,
		id)
}

func (s *Store) InsertSubtasks(ctx context.Context, taskID int64, subtasks []model.Subtask) ([]model.Subtask, bool, error) {
	inserted := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize concurrent decompositions of the same task on the task row.
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&id); err != nil {
			return wrap(err, "task %d", taskID)
		}
		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks WHERE task_id = $1`, taskID).Scan(&existing); err != nil {
			return wrap(err, "count subtasks")
		}
		if existing > 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, sub := range subtasks {
			batch.Queue(`
				INSERT INTO subtasks (task_id, id, description, criteria, status)
				VALUES ($1, $2, $3, $4, 'pending')
				ON CONFLICT (task_id, id) DO NOTHING`,
				taskID, sub.Ordinal, sub.Description, sub.Criteria)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return wrap(err, "insert subtasks")
		}
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, transient(err)
	}
	subs, err := listSubtasks(ctx, s.pool, taskID)
	return subs, inserted, err
}

func (s *Store) ListSubtasks(ctx context.Context, taskID int64) ([]model.Subtask, error) {
	return listSubtasks(ctx, s.pool, taskID)
}

func listSubtasks(ctx context.Context, q queryer, taskID int64) ([]model.Subtask, error) {
	rows, err := q.Query(ctx, `
		SELECT task_id, id, description, criteria, status
		FROM subtasks WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, wrap(err, "list subtasks")
	}
	defer rows.Close()

	var subs []model.Subtask
	for rows.Next() {
		var sub model.Subtask
		var status string
		if err := rows.Scan(&sub.TaskID, &sub.Ordinal, &sub.Description, &sub.Criteria, &status); err != nil {
			return nil, wrap(err, "scan subtask")
		}
		sub.Status = model.SubtaskStatus(status)
		subs = append(subs, sub)
	}
	return subs, wrap(rows.Err(), "list subtasks")
}

func (s *Store) ListUploads(ctx context.Context, taskID int64) ([]model.Upload, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, task_id, subtask_id, result, created_at
		FROM uploads WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, wrap(err, "list uploads")
	}
	defer rows.Close()

	var uploads []model.Upload
	for rows.Next() {
		var u model.Upload
		if err := rows.Scan(&u.ID, &u.SenderID, &u.TaskID, &u.SubtaskID, &u.Result, &u.CreatedAt); err != nil {
			return nil, wrap(err, "scan upload")
		}
		uploads = append(uploads, u)
	}
	return uploads, wrap(rows.Err(), "list uploads")
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return transient(err)
}

// transient keeps taxonomy errors from fn as they are and maps anything the
// driver raised on begin/commit to model.ErrTransient.
func transient(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{model.ErrNotFound, model.ErrInvalidState, model.ErrConflict, model.ErrTransient, model.ErrInvalidInput} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", model.ErrTransient, err)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockTask(ctx context.Context, id int64) (model.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Task{}, wrap(err, "task %d", id)
	}
	return task, nil
}

func (t *pgTx) GetSubtask(ctx context.Context, taskID int64, ordinal int) (model.Subtask, error) {
	var sub model.Subtask
	var status string
	err := t.tx.QueryRow(ctx, `
		SELECT task_id, id, description, criteria, status
		FROM subtasks WHERE task_id = $1 AND id = $2`, taskID, ordinal).
		Scan(&sub.TaskID, &sub.Ordinal, &sub.Description, &sub.Criteria, &status)
	if err != nil {
		return model.Subtask{}, wrap(err, "subtask %d of task %d", ordinal, taskID)
	}
	sub.Status = model.SubtaskStatus(status)
	return sub, nil
}

func (t *pgTx) AppendUpload(ctx context.Context, upload model.Upload) (model.Upload, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO uploads (sender_id, task_id, subtask_id, result)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		upload.SenderID, upload.TaskID, upload.SubtaskID, upload.Result,
	).Scan(&upload.ID, &upload.CreatedAt)
	if err != nil {
		return model.Upload{}, wrap(err, "insert upload")
	}
	return upload, nil
}

func (t *pgTx) SetSubtaskStatus(ctx context.Context, taskID int64, ordinal int, status model.SubtaskStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE subtasks SET status = $1 WHERE task_id = $2 AND id = $3`,
		string(status), taskID, ordinal)
	if err != nil {
		return wrap(err, "update subtask")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: subtask %d of task %d", model.ErrNotFound, ordinal, taskID)
	}
	return nil
}

func (t *pgTx) CountSubtasks(ctx context.Context, taskID int64) (int, int, error) {
	var total, notPassed int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status != 'passed')
		FROM subtasks WHERE task_id = $1`, taskID).Scan(&total, &notPassed)
	if err != nil {
		return 0, 0, wrap(err, "count subtasks")
	}
	return total, notPassed, nil
}

func (t *pgTx) SetTaskStatus(ctx context.Context, taskID int64, status model.TaskStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		string(status), taskID)
	if err != nil {
		return wrap(err, "update task")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %d", model.ErrNotFound, taskID)
	}
	return nil
}
