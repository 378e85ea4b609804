package lifecycle

import (
	"testing"

	"go-gigmarket/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTaskTransition_ValidMatrix(t *testing.T) {
	t.Parallel()

	valid := [][2]model.TaskStatus{
		{model.TaskOpen, model.TaskAssigned},
		{model.TaskOpen, model.TaskFailed},
		{model.TaskAssigned, model.TaskPassed},
		{model.TaskAssigned, model.TaskFailed},
	}
	for _, pair := range valid {
		assert.NoError(t, ValidateTaskTransition(pair[0], pair[1]), "%s->%s", pair[0], pair[1])
	}
}

func TestValidateTaskTransition_InvalidTransitions(t *testing.T) {
	t.Parallel()

	invalid := [][2]model.TaskStatus{
		{model.TaskOpen, model.TaskPassed},
		{model.TaskAssigned, model.TaskOpen},
		{model.TaskAssigned, model.TaskAssigned},
		{model.TaskPassed, model.TaskAssigned},
		{model.TaskFailed, model.TaskOpen},
		{"doing task", model.TaskPassed},
	}
	for _, pair := range invalid {
		err := ValidateTaskTransition(pair[0], pair[1])
		require.Error(t, err, "%s->%s", pair[0], pair[1])
		assert.ErrorIs(t, err, model.ErrInvalidState)
	}
}

func TestApplyVerdict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		current model.SubtaskStatus
		verdict model.Verdict
		policy  FailurePolicy
		want    model.SubtaskStatus
	}{
		{"pass from pending", model.SubtaskPending, model.VerdictPass, Retryable, model.SubtaskPassed},
		{"pending is a no-op", model.SubtaskPending, model.VerdictPending, Retryable, model.SubtaskPending},
		{"retryable fail stays pending", model.SubtaskPending, model.VerdictFail, Retryable, model.SubtaskPending},
		{"terminal fail", model.SubtaskPending, model.VerdictFail, Terminal, model.SubtaskFailed},
		{"passed absorbs fail", model.SubtaskPassed, model.VerdictFail, Terminal, model.SubtaskPassed},
		{"failed absorbs pass", model.SubtaskFailed, model.VerdictPass, Terminal, model.SubtaskFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ApplyVerdict(tc.current, tc.verdict, tc.policy))
		})
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.TaskPassed, Aggregate(model.TaskAssigned, 3, 0))
	assert.Equal(t, model.TaskAssigned, Aggregate(model.TaskAssigned, 3, 1))
	assert.Equal(t, model.TaskAssigned, Aggregate(model.TaskAssigned, 0, 0), "no subtasks never passes")
	assert.Equal(t, model.TaskOpen, Aggregate(model.TaskOpen, 3, 0))
	assert.Equal(t, model.TaskFailed, Aggregate(model.TaskFailed, 3, 0))
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Retryable, p)

	p, err = ParseFailurePolicy(" Terminal ")
	require.NoError(t, err)
	assert.Equal(t, Terminal, p)

	_, err = ParseFailurePolicy("sometimes")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestNewSubtasks(t *testing.T) {
	t.Parallel()

	subs, err := NewSubtasks(9, []string{"a", "b", "c"}, []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for i, s := range subs {
		assert.Equal(t, int64(9), s.TaskID)
		assert.Equal(t, i+1, s.Ordinal)
		assert.Equal(t, model.SubtaskPending, s.Status)
	}

	_, err = NewSubtasks(9, []string{"a"}, []string{"x"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
