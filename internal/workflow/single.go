package workflow

import (
	"context"

	"github.com/zulandar/stationmaster/internal/agents"
	"github.com/zulandar/stationmaster/internal/session"
)

// Single is the fast path: one developer call, no planning, no review.
// The plan workflow reuses it wholesale for requests its selector judges
// simple.
type Single struct {
	developer *agents.Developer
}

// NewSingle creates the single workflow.
func NewSingle(developer *agents.Developer) *Single {
	return &Single{developer: developer}
}

// Run executes one developer call and returns immediately with round=0
// and an approved result.
func (w *Single) Run(ctx context.Context, inputText string, sess *session.Session) (*Result, error) {
	sess.History = sanitizeHistory(sess.History)

	output, err := w.developer.DevelopSingle(ctx, inputText, sess)
	if err != nil {
		return nil, err
	}

	return &Result{
		OutputText:   output,
		NextHistory:  nextHistory(sess.History, inputText, output),
		ReviewRound:  0,
		ReviewResult: session.ReviewApproved,
		Transitions: []Transition{
			{From: "start", To: "developer", Round: 1, Status: "completed"},
			{From: "developer", To: "completed", Round: 1, Status: "approved"},
		},
	}, nil
}
