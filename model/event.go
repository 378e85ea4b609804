package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTaskCreated       EventType = "taskCreated"
	EventTaskUpdated       EventType = "taskUpdated"
	EventSubtasksGenerated EventType = "subtasksGenerated"
	EventSubtaskUpdated    EventType = "subtaskUpdated"
)

// Event is a change notification published after a state change commits.
// Task events carry the full task; subtask events carry the minimal delta.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    int64     `json:"taskId"`
	SubtaskID int       `json:"subtaskId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Task      *Task     `json:"task,omitempty"`
	Subtasks  []Subtask `json:"subtasks,omitempty"`
	Retries   int       `json:"retries,omitempty"`
	At        time.Time `json:"at"`
}

func newEvent(typ EventType, taskID int64) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		TaskID: taskID,
		At:     time.Now().UTC(),
	}
}

func TaskCreated(task Task) Event {
	ev := newEvent(EventTaskCreated, task.ID)
	ev.Status = string(task.Status)
	ev.Task = &task
	return ev
}

func TaskUpdated(task Task) Event {
	ev := newEvent(EventTaskUpdated, task.ID)
	ev.Status = string(task.Status)
	ev.Task = &task
	return ev
}

func SubtasksGenerated(taskID int64, subtasks []Subtask) Event {
	ev := newEvent(EventSubtasksGenerated, taskID)
	ev.Subtasks = subtasks
	return ev
}

func SubtaskUpdated(taskID int64, ordinal int, status SubtaskStatus) Event {
	ev := newEvent(EventSubtaskUpdated, taskID)
	ev.SubtaskID = ordinal
	ev.Status = string(status)
	return ev
}
