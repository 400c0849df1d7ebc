// Package executor runs prompts against the external code agent. The
// Executor interface hides the transport so workflows and tests can swap
// in fakes; the production implementation shells out to the codex CLI.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/stationmaster/internal/session"
)

// Request is one agent invocation. ChannelID names the conversation the
// request came from so intermediate commentary can be routed back to it.
type Request struct {
	Prompt             string
	History            []session.Turn
	SystemInstructions string
	Model              string
	WorkDir            string
	AgentName          string
	ChannelID          string
}

// Executor runs prompts and returns the agent's final text output.
type Executor interface {
	Run(ctx context.Context, req Request) (string, error)
	Warmup(ctx context.Context) error
	Close() error
}

// ExecutionError marks failures of the agent transport itself, as opposed
// to infrastructure errors in the orchestration process. Callers use it to
// pick the user-facing remediation message.
type ExecutionError struct {
	Op     string
	Detail string
}

func (e *ExecutionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("executor: %s", e.Op)
	}
	return fmt.Sprintf("executor: %s: %s", e.Op, e.Detail)
}

// Notification is intermediate commentary emitted by the agent while a run
// is in flight. ChannelID carries the originating conversation from the
// Request so concurrent runs never cross commentary streams.
type Notification struct {
	Phase     string
	Text      string
	AgentName string
	ChannelID string
}

// Notifier receives intermediate agent commentary. Implementations must
// not block: notifications are advisory and a slow consumer must not stall
// the run.
type Notifier interface {
	Notify(Notification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}

// ComposePrompt renders the recent conversation history above the current
// request. History is windowed to the newest turns and then trimmed from
// the front to the character limit, so the current request always survives
// intact.
func ComposePrompt(prompt string, history []session.Turn, window, charLimit int) string {
	if window <= 0 || len(history) == 0 {
		return prompt
	}

	turns := history
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	rendered := make([]string, 0, len(turns))
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := turn.Role
		if role == "" {
			role = "assistant"
		}
		rendered = append(rendered, fmt.Sprintf("%s: %s", role, content))
	}
	if len(rendered) == 0 {
		return prompt
	}

	historyText := strings.Join(rendered, "\n")
	if charLimit > 0 && len(historyText) > charLimit {
		historyText = historyText[len(historyText)-charLimit:]
	}

	return fmt.Sprintf("Conversation history (most recent):\n%s\n\nCurrent request:\n%s", historyText, prompt)
}
