package market

import (
	"context"
	"strings"

	"go-gigmarket/model"
)

// Classifier turns raw scan evidence into a verdict. It may block on I/O
// and is always called outside the upload transaction.
type Classifier interface {
	Classify(ctx context.Context, subtask model.Subtask, raw string) (model.Verdict, error)
}

// ResultClassifier reads the verdict the capture process already computed.
// Anything that is not an explicit pass or fail counts as pending.
type ResultClassifier struct{}

func (ResultClassifier) Classify(_ context.Context, _ model.Subtask, raw string) (model.Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "passed":
		return model.VerdictPass, nil
	case "fail", "failed":
		return model.VerdictFail, nil
	}
	return model.VerdictPending, nil
}
