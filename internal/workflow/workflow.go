// Package workflow implements the three execution strategies behind a
// conversation: the one-shot single workflow, the plan/review loop, and
// the role-fanout multi workflow. All three share the Workflow interface
// and produce a Result the orchestrator persists and renders.
package workflow

import (
	"context"
	"strings"

	"github.com/zulandar/stationmaster/internal/agents"
	"github.com/zulandar/stationmaster/internal/session"
)

// Workflow runs one user request against a session.
type Workflow interface {
	Run(ctx context.Context, inputText string, sess *session.Session) (*Result, error)
}

// Transition is one edge of the stage state machine, appended in order.
type Transition struct {
	From   string
	To     string
	Round  int
	Status string
	Reason string
}

// RoundRecord captures one review round's verdict.
type RoundRecord struct {
	Round     int
	Result    string
	Feedback  string
	Artifacts []string
}

// Result is a workflow's complete outcome.
type Result struct {
	OutputText   string
	NextHistory  []session.Turn
	ReviewRound  int
	ReviewResult string

	Transitions    []Transition
	Rounds         []RoundRecord
	Plan           string
	SelectorMode   string
	SelectorReason string
	DelegatedTo    string
}

// sanitizeHistory drops malformed turns and any turn that is a prompt
// echo, then applies the history cap. Echo turns would otherwise poison
// every later prompt through the history window.
func sanitizeHistory(history []session.Turn) []session.Turn {
	cleaned := make([]session.Turn, 0, len(history))
	for _, turn := range history {
		role := strings.TrimSpace(turn.Role)
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		if role != "user" && role != "assistant" {
			continue
		}
		if agents.LooksLikePromptEcho(content) {
			continue
		}
		cleaned = append(cleaned, session.Turn{Role: role, Content: content})
	}
	if len(cleaned) > session.MaxHistoryTurns {
		cleaned = cleaned[len(cleaned)-session.MaxHistoryTurns:]
	}
	return cleaned
}

// nextHistory extends the sanitized history with the completed exchange.
func nextHistory(history []session.Turn, inputText, outputText string) []session.Turn {
	extended := append(append([]session.Turn{}, history...),
		session.Turn{Role: "user", Content: inputText},
		session.Turn{Role: "assistant", Content: outputText},
	)
	if len(extended) > session.MaxHistoryTurns {
		extended = extended[len(extended)-session.MaxHistoryTurns:]
	}
	return extended
}
