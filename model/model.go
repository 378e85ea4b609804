package model

import "time"

type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskAssigned TaskStatus = "assigned"
	TaskPassed   TaskStatus = "passed"
	TaskFailed   TaskStatus = "failed"
)

type SubtaskStatus string

const (
	SubtaskPending SubtaskStatus = "pending"
	SubtaskPassed  SubtaskStatus = "passed"
	SubtaskFailed  SubtaskStatus = "failed"
)

// SubtaskCount is the fixed number of subtasks every decomposed task carries.
const SubtaskCount = 3

type Task struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	Payment     float64    `json:"payment"`
	ReceiverID  int64      `json:"receiverId"`
	SenderID    *int64     `json:"senderId"`
	Status      TaskStatus `json:"status"`
	Subtasks    []Subtask  `json:"subtasks,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AssignedTo reports whether the task has been claimed by senderID.
func (t Task) AssignedTo(senderID int64) bool {
	return t.SenderID != nil && *t.SenderID == senderID
}

type Subtask struct {
	TaskID      int64         `json:"taskId"`
	Ordinal     int           `json:"id"`
	Description string        `json:"description"`
	Criteria    string        `json:"criteria"`
	Status      SubtaskStatus `json:"status"`
}

// Upload is one append-only evidence record.
type Upload struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"senderId"`
	TaskID    int64     `json:"taskId"`
	SubtaskID int       `json:"subtaskId"`
	Result    string    `json:"result"`
	CreatedAt time.Time `json:"createdAt"`
}

type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictPending Verdict = "pending"
)
