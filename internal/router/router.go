// Package router classifies inbound chat text into bot commands,
// pass-through slash commands, and free-form workflow input. It is a pure
// classifier: no side effects, same output for the same input.
package router

import "strings"

// Kind discriminates the three route variants.
type Kind string

const (
	// KindBotCommand is a reserved slash command handled locally.
	KindBotCommand Kind = "bot_command"
	// KindPassThroughCommand is any other slash command, forwarded verbatim
	// to the agent pipeline instead of being executed locally.
	KindPassThroughCommand Kind = "pass_through_command"
	// KindText is free-form input for the active workflow.
	KindText Kind = "text"
)

// Route is the result of classifying one inbound message.
type Route struct {
	Kind    Kind
	Text    string
	Command string   // set for KindBotCommand
	Args    []string // positional args for KindBotCommand
}

// reserved is the fixed set of locally handled bot commands.
var reserved = map[string]bool{
	"start":   true,
	"mode":    true,
	"new":     true,
	"status":  true,
	"profile": true,
	"cancel":  true,
}

// Parse classifies raw text. Empty or blank input yields a text route with
// an empty payload. Leading-slash text is matched against the reserved
// command set after lower-casing the first token and stripping any trailing
// "@mention" suffix (e.g. "/cancel@mybot" → cancel).
func Parse(text string) Route {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Route{Kind: KindText, Text: ""}
	}

	if !strings.HasPrefix(raw, "/") {
		return Route{Kind: KindText, Text: raw}
	}

	fields := strings.Fields(raw)
	command := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}

	if reserved[command] {
		return Route{
			Kind:    KindBotCommand,
			Text:    raw,
			Command: command,
			Args:    fields[1:],
		}
	}

	return Route{Kind: KindPassThroughCommand, Text: raw}
}
