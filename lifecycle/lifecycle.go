package lifecycle

import (
	"fmt"
	"strings"

	"go-gigmarket/model"
)

// FailurePolicy decides what a failing verdict does to a pending subtask.
type FailurePolicy string

const (
	// Retryable keeps the subtask pending so the sender can upload again.
	Retryable FailurePolicy = "retryable"
	// Terminal moves the subtask to failed on the first failing verdict.
	Terminal FailurePolicy = "terminal"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Retryable:
		return Retryable, nil
	case Terminal:
		return Terminal, nil
	}
	return "", fmt.Errorf("%w: unknown subtask failure policy %q", model.ErrInvalidInput, s)
}

var allowedTransitions = map[model.TaskStatus]map[model.TaskStatus]struct{}{
	model.TaskOpen: {
		model.TaskAssigned: {},
		model.TaskFailed:   {},
	},
	model.TaskAssigned: {
		model.TaskPassed: {},
		model.TaskFailed: {},
	},
	model.TaskPassed: {},
	model.TaskFailed: {},
}

func ValidateTaskStatus(status model.TaskStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("%w: unknown task status %q", model.ErrInvalidState, status)
	}
	return nil
}

func ValidateTaskTransition(from, to model.TaskStatus) error {
	if err := ValidateTaskStatus(from); err != nil {
		return err
	}
	if err := ValidateTaskStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: task transition %s -> %s", model.ErrInvalidState, from, to)
	}
	return nil
}

// AcceptsUploads reports whether evidence may still change the task.
func AcceptsUploads(status model.TaskStatus) bool {
	return status == model.TaskAssigned
}

// ApplyVerdict returns the subtask status after one verdict.
// passed absorbs every verdict, and so does failed.
func ApplyVerdict(current model.SubtaskStatus, v model.Verdict, policy FailurePolicy) model.SubtaskStatus {
	if current != model.SubtaskPending {
		return current
	}
	switch v {
	case model.VerdictPass:
		return model.SubtaskPassed
	case model.VerdictFail:
		if policy == Terminal {
			return model.SubtaskFailed
		}
	}
	return model.SubtaskPending
}

// Aggregate derives the task status from durable subtask counts.
// Only assigned -> passed is derived here; failed is never inferred from subtasks.
func Aggregate(current model.TaskStatus, total, notPassed int) model.TaskStatus {
	if current == model.TaskAssigned && total > 0 && notPassed == 0 {
		return model.TaskPassed
	}
	return current
}

// NewSubtasks builds the pending subtask rows for a task from ordered specs.
func NewSubtasks(taskID int64, descriptions, criteria []string) ([]model.Subtask, error) {
	if len(descriptions) != model.SubtaskCount || len(criteria) != model.SubtaskCount {
		return nil, fmt.Errorf("%w: expected %d subtasks, got %d", model.ErrInvalidInput, model.SubtaskCount, len(descriptions))
	}
	out := make([]model.Subtask, 0, model.SubtaskCount)
	for i := range descriptions {
		out = append(out, model.Subtask{
			TaskID:      taskID,
			Ordinal:     i + 1,
			Description: descriptions[i],
			Criteria:    criteria[i],
			Status:      model.SubtaskPending,
		})
	}
	return out, nil
}

func ValidOrdinal(ordinal int) bool {
	return ordinal >= 1 && ordinal <= model.SubtaskCount
}
