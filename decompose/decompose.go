package decompose

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go-gigmarket/model"
)

// Spec is one subtask as proposed by the gateway, ordinal in ID.
type Spec struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Criteria    string `json:"criteria"`
}

type Gateway interface {
	Decompose(ctx context.Context, description string) ([]Spec, error)
}

// Fallback is the fixed plan used whenever the gateway cannot deliver.
func Fallback() []Spec {
	return []Spec{
		{ID: 1, Description: "Prepare everything the task needs and open the relevant app or page.", Criteria: "started, opened, ready"},
		{ID: 2, Description: "Carry out the main work described in the task.", Criteria: "in progress, submitted, processing"},
		{ID: 3, Description: "Confirm the task is finished and the result is visible on screen.", Criteria: "completed, confirmed, delivered, success"},
	}
}

// Validate checks for exactly three specs numbered 1..3 with text and
// returns them ordered by ID.
func Validate(specs []Spec) ([]Spec, error) {
	if len(specs) != model.SubtaskCount {
		return nil, fmt.Errorf("%w: expected %d subtasks, got %d", model.ErrExternalService, model.SubtaskCount, len(specs))
	}
	out := slices.Clone(specs)
	slices.SortFunc(out, func(a, b Spec) int { return cmp.Compare(a.ID, b.ID) })
	for i, s := range out {
		if s.ID != i+1 {
			return nil, fmt.Errorf("%w: subtask ids must be 1..%d, got %d", model.ErrExternalService, model.SubtaskCount, s.ID)
		}
		out[i].Description = strings.TrimSpace(s.Description)
		out[i].Criteria = strings.TrimSpace(s.Criteria)
		if out[i].Description == "" || out[i].Criteria == "" {
			return nil, fmt.Errorf("%w: subtask %d has empty description or criteria", model.ErrExternalService, s.ID)
		}
	}
	return out, nil
}

// parseSubtasks pulls the JSON object out of a model reply that may carry
// text or reasoning around it.
func parseSubtasks(reply string) ([]Spec, error) {
	reply = strings.TrimSpace(reply)
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON found in response", model.ErrExternalService)
	}

	var payload struct {
		Subtasks []Spec `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON: %v", model.ErrExternalService, err)
	}
	return Validate(payload.Subtasks)
}

// Static always returns the same plan. Used when no LLM is configured.
type Static struct {
	Specs []Spec
}

func (s Static) Decompose(context.Context, string) ([]Spec, error) {
	if len(s.Specs) == 0 {
		return Fallback(), nil
	}
	return Validate(s.Specs)
}
