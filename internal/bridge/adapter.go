// Package bridge connects the orchestrator to chat platforms. Platform
// adapters (Slack, Discord, mock) translate between platform events and
// the neutral message types defined here; the Daemon owns the receive
// loop and reply delivery.
package bridge

import (
	"context"
	"strings"
	"time"
)

// maxMessageChars is the largest reply chunk sent in a single platform
// message. Replies longer than this are split by chunkMessage.
const maxMessageChars = 2000

// Adapter is the interface platform-specific implementations satisfy.
// Each adapter handles connection management, inbound delivery, and
// outbound sends for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. The channel is
	// closed when the context is cancelled or the adapter is closed.
	// Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// ThreadHistory retrieves recent messages from a thread.
	ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]ThreadMessage, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage is a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "slack", "discord"
	ChannelID string    // platform-specific channel identifier
	ThreadID  string    // thread identifier (empty if top-level)
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // raw message text
	Timestamp time.Time // when the message was sent
}

// OutboundMessage is a reply to be delivered to the chat platform.
type OutboundMessage struct {
	ChannelID string // target channel
	ThreadID  string // thread to reply in (empty for top-level)
	Text      string // message text
}

// ThreadMessage is a single message within a thread history.
type ThreadMessage struct {
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// BotUserIDer is an optional interface adapters implement to expose the
// bot's own user ID for self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// chunkMessage splits text into pieces no longer than limit runes of
// bytes-safe ASCII-measured length. When a chunk boundary falls inside
// a line, the split prefers the last newline in the second half of the
// chunk so replies break between lines instead of mid-sentence.
func chunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxMessageChars
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := limit
		if idx := strings.LastIndexByte(rest[:limit], '\n'); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n"))
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
