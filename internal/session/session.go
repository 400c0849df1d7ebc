// Package session holds per-conversation state and its file-backed store.
// A session is keyed by (channel, user) and owns the conversation history,
// the run-in-progress flag, and the resolved execution profile.
package session

import (
	"strings"
	"time"
)

// Modes a session can be in. The mode selects which workflow handles
// free-form input.
const (
	ModeSingle = "single"
	ModePlan   = "plan"
	ModeMulti  = "multi"
)

// Run statuses recorded after each workflow invocation.
const (
	StatusIdle  = "idle"
	StatusOK    = "ok"
	StatusError = "error"
)

// Review results recorded by the plan workflow.
const (
	ReviewApproved         = "approved"
	ReviewNeedsChanges     = "needs_changes"
	ReviewMaxRoundsReached = "max_rounds_reached"
)

// MaxHistoryTurns caps the conversation history; oldest turns are dropped
// first.
const MaxHistoryTurns = 20

// Turn is one role-tagged history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the persisted per-conversation record.
type Session struct {
	ID        string `json:"session_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Mode      string `json:"mode"`
	History   []Turn `json:"history"`

	RunInProgress    bool   `json:"run_in_progress"`
	LastError        string `json:"last_error,omitempty"`
	LastRunStatus    string `json:"last_run_status"`
	LastRunLatencyMS int64  `json:"last_run_latency_ms,omitempty"`
	LastReviewRound  int    `json:"last_review_round"`
	LastReviewResult string `json:"last_review_result,omitempty"`

	ProfileName             string            `json:"profile_name"`
	ProfileModel            string            `json:"profile_model,omitempty"`
	ProfileWorkingDirectory string            `json:"profile_working_directory,omitempty"`
	AgentModels             map[string]string `json:"profile_agent_models,omitempty"`
	AgentInstructions       map[string]string `json:"profile_agent_instructions,omitempty"`

	UpdatedAt string `json:"updated_at"`
}

// Key builds the session key for a channel/user pair.
func Key(channelID, userID string) string {
	return channelID + ":" + userID
}

// New returns a freshly initialized session for the given channel/user.
func New(channelID, userID string) *Session {
	return &Session{
		ID:            Key(channelID, userID),
		ChannelID:     channelID,
		UserID:        userID,
		Mode:          ModeSingle,
		History:       []Turn{},
		LastRunStatus: StatusIdle,
		ProfileName:   "default",
		UpdatedAt:     nowISO(),
	}
}

// Touch refreshes the updated-at timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = nowISO()
}

// AppendHistory appends turns and re-applies the history cap.
func (s *Session) AppendHistory(turns ...Turn) {
	s.History = capHistory(append(s.History, turns...))
}

// normalize repairs a session loaded from disk: out-of-range enum values
// fall back to safe defaults and nil maps become empty so callers never
// nil-check. A persisted run flag is always cleared — the in-memory run
// registry is authoritative while the process lives, so a flag that
// survived a restart is stale by definition.
func (s *Session) normalize() {
	switch s.Mode {
	case ModeSingle, ModePlan, ModeMulti:
	default:
		s.Mode = ModeSingle
	}
	switch s.LastRunStatus {
	case StatusIdle, StatusOK, StatusError:
	default:
		s.LastRunStatus = StatusIdle
	}
	switch s.LastReviewResult {
	case "", ReviewApproved, ReviewNeedsChanges, ReviewMaxRoundsReached:
	default:
		s.LastReviewResult = ""
	}
	if strings.TrimSpace(s.ProfileName) == "" {
		s.ProfileName = "default"
	}
	if s.History == nil {
		s.History = []Turn{}
	}
	s.History = capHistory(s.History)
	s.RunInProgress = false
}

// capHistory drops blank or malformed turns and trims to the newest
// MaxHistoryTurns entries.
func capHistory(history []Turn) []Turn {
	cleaned := make([]Turn, 0, len(history))
	for _, turn := range history {
		role := strings.TrimSpace(turn.Role)
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		if role != "user" && role != "assistant" {
			continue
		}
		cleaned = append(cleaned, Turn{Role: role, Content: content})
	}
	if len(cleaned) > MaxHistoryTurns {
		cleaned = cleaned[len(cleaned)-MaxHistoryTurns:]
	}
	return cleaned
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
