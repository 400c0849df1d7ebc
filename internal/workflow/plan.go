package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/stationmaster/internal/agents"
	"github.com/zulandar/stationmaster/internal/session"
)

const (
	maxReviewFeedbackChars = 1200
	maxPlannerOutputChars  = 1500
)

// PlanOpts configures the plan workflow.
type PlanOpts struct {
	Selector  *agents.Selector
	Planner   *agents.Planner
	Developer *agents.Developer
	Reviewer  *agents.Reviewer
	Single    Workflow

	MaxReviewRounds int
	// ReviewOnlyWithArtifacts skips the reviewer and auto-approves when a
	// developer round changed nothing in the workspace.
	ReviewOnlyWithArtifacts bool
	// WorkspaceDir is the snapshot root when the session's profile has no
	// working directory.
	WorkspaceDir string
}

// Plan is the select, plan, implement, review state machine.
type Plan struct {
	opts PlanOpts
}

// NewPlan creates the plan workflow.
func NewPlan(opts PlanOpts) (*Plan, error) {
	if opts.Selector == nil || opts.Planner == nil || opts.Developer == nil || opts.Reviewer == nil {
		return nil, fmt.Errorf("workflow: plan requires all four stage agents")
	}
	if opts.Single == nil {
		return nil, fmt.Errorf("workflow: plan requires a single workflow for delegation")
	}
	if opts.MaxReviewRounds <= 0 {
		opts.MaxReviewRounds = 3
	}
	return &Plan{opts: opts}, nil
}

// Run drives one request through the state machine. The selector runs
// exactly once; a single-mode verdict delegates wholesale to the single
// workflow and is terminal.
func (w *Plan) Run(ctx context.Context, inputText string, sess *session.Session) (*Result, error) {
	sess.History = sanitizeHistory(sess.History)

	decision, err := w.opts.Selector.SelectMode(ctx, inputText, sess)
	if err != nil {
		return nil, err
	}

	transitions := []Transition{
		{From: "start", To: "selector", Round: 0, Status: "completed"},
	}

	if decision.Mode == session.ModeSingle {
		transitions = append(transitions, Transition{
			From: "selector", To: "single_workflow", Round: 0,
			Status: "delegated", Reason: decision.Reason,
		})
		result, err := w.opts.Single.Run(ctx, inputText, sess)
		if err != nil {
			return nil, err
		}
		result.Transitions = append(transitions, result.Transitions...)
		result.SelectorMode = decision.Mode
		result.SelectorReason = decision.Reason
		result.DelegatedTo = "single_workflow"
		return result, nil
	}

	transitions = append(transitions, Transition{
		From: "selector", To: "planner", Round: 0,
		Status: "completed", Reason: decision.Reason,
	})

	plannerOutput, err := w.opts.Planner.Plan(ctx, inputText, sess)
	if err != nil {
		return nil, err
	}
	clippedPlan := clip(plannerOutput, maxPlannerOutputChars)

	executionInput := inputText
	if clippedPlan != "" {
		executionInput = inputText + "\n\nPlanner handoff:\n" + clippedPlan
	}

	var (
		rounds            []RoundRecord
		candidateOutput   string
		reviewFeedback    string
		previousFeedback  string
		previousCandidate string
		reviewResult      = session.ReviewMaxRoundsReached
		reviewRound       = w.opts.MaxReviewRounds
	)

	workspaceRoot := sess.ProfileWorkingDirectory
	if workspaceRoot == "" {
		workspaceRoot = w.opts.WorkspaceDir
	}

	for roundIndex := 1; roundIndex <= w.opts.MaxReviewRounds; roundIndex++ {
		fromStage := "planner"
		if roundIndex > 1 {
			fromStage = "reviewer"
		}
		transitions = append(transitions, Transition{
			From: fromStage, To: "developer", Round: roundIndex, Status: "completed",
		})

		var before map[string]fileStamp
		if w.opts.ReviewOnlyWithArtifacts {
			before = snapshotWorkspace(workspaceRoot)
		}

		candidateOutput, err = w.opts.Developer.Develop(ctx, executionInput, sess, roundIndex, reviewFeedback)
		if err != nil {
			return nil, err
		}

		var artifacts []string
		if w.opts.ReviewOnlyWithArtifacts {
			artifacts = diffSnapshots(before, snapshotWorkspace(workspaceRoot))
			if len(artifacts) == 0 {
				// A no-op implementation needs no review.
				transitions = append(transitions, Transition{
					From: "developer", To: "completed", Round: roundIndex,
					Status: "approved", Reason: "no_artifacts",
				})
				rounds = append(rounds, RoundRecord{Round: roundIndex, Result: session.ReviewApproved})
				reviewResult = session.ReviewApproved
				reviewRound = roundIndex
				break
			}
		}

		transitions = append(transitions, Transition{
			From: "developer", To: "reviewer", Round: roundIndex, Status: "pending",
		})
		verdict, err := w.opts.Reviewer.Review(ctx, executionInput, candidateOutput, artifacts, sess, roundIndex)
		if err != nil {
			return nil, err
		}
		clippedFeedback := clip(verdict.Feedback, maxReviewFeedbackChars)
		transitions[len(transitions)-1].Status = verdict.Result
		rounds = append(rounds, RoundRecord{
			Round:     roundIndex,
			Result:    verdict.Result,
			Feedback:  clippedFeedback,
			Artifacts: artifacts,
		})

		if verdict.Result == session.ReviewApproved {
			transitions = append(transitions, Transition{
				From: "reviewer", To: "completed", Round: roundIndex, Status: "approved",
			})
			reviewResult = session.ReviewApproved
			reviewRound = roundIndex
			break
		}

		// A reviewer stuck on the same feedback, or a developer stuck on
		// the same output, will not converge in later rounds either.
		trimmedCandidate := strings.TrimSpace(candidateOutput)
		if roundIndex > 1 && (clippedFeedback == previousFeedback || trimmedCandidate == previousCandidate) {
			transitions = append(transitions, Transition{
				From: "reviewer", To: "completed", Round: roundIndex,
				Status: session.ReviewMaxRoundsReached, Reason: "stuck_loop",
			})
			reviewResult = session.ReviewMaxRoundsReached
			reviewRound = roundIndex
			break
		}

		reviewFeedback = clippedFeedback
		previousFeedback = clippedFeedback
		previousCandidate = trimmedCandidate
		reviewRound = roundIndex
	}

	if reviewResult == session.ReviewMaxRoundsReached && !hasTerminalTransition(transitions) {
		transitions = append(transitions, Transition{
			From: "developer", To: "completed", Round: reviewRound,
			Status: session.ReviewMaxRoundsReached,
		})
	}

	baseOutput := strings.TrimSpace(candidateOutput)
	if baseOutput == "" {
		baseOutput = clippedPlan
	}

	finalOutput := fmt.Sprintf("[Selector] mode=%s, reason=%s\n\n%s",
		decision.Mode, decision.Reason,
		w.renderUserOutput(baseOutput, rounds, reviewResult))

	return &Result{
		OutputText:     finalOutput,
		NextHistory:    nextHistory(sess.History, inputText, baseOutput),
		ReviewRound:    reviewRound,
		ReviewResult:   reviewResult,
		Transitions:    transitions,
		Rounds:         rounds,
		Plan:           clippedPlan,
		SelectorMode:   decision.Mode,
		SelectorReason: decision.Reason,
	}, nil
}

// renderUserOutput appends the workflow summary line and, for
// non-approved outcomes, the last reviewer feedback.
func (w *Plan) renderUserOutput(candidateOutput string, rounds []RoundRecord, reviewResult string) string {
	lastRound := 0
	lastFeedback := ""
	if len(rounds) > 0 {
		lastRound = rounds[len(rounds)-1].Round
		lastFeedback = strings.TrimSpace(rounds[len(rounds)-1].Feedback)
	}
	summary := fmt.Sprintf("[plan-workflow] rounds=%d/%d, result=%s",
		lastRound, w.opts.MaxReviewRounds, reviewResult)

	switch {
	case reviewResult == session.ReviewApproved:
		if candidateOutput != "" {
			return candidateOutput + "\n\n" + summary
		}
		return summary
	case lastFeedback != "":
		if candidateOutput != "" {
			return candidateOutput + "\n\n" + summary + "\nlast_feedback: " + lastFeedback
		}
		return summary + "\nlast_feedback: " + lastFeedback
	case candidateOutput != "":
		return candidateOutput + "\n\n" + summary
	default:
		return summary
	}
}

func hasTerminalTransition(transitions []Transition) bool {
	for _, t := range transitions {
		if t.To == "completed" {
			return true
		}
	}
	return false
}

// clip trims text and bounds it to limit characters, marking truncation
// with an ellipsis.
func clip(text string, limit int) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "..."
}
