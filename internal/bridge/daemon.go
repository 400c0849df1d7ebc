package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/stationmaster/internal/executor"
)

// sendTimeout bounds outbound delivery so a wedged platform API cannot
// stall the daemon's shutdown.
const sendTimeout = 30 * time.Second

// MessageHandler processes one inbound message and returns the reply
// text. The orchestrator implements this.
type MessageHandler interface {
	HandleMessage(ctx context.Context, channelID, userID, text string) string
}

// Daemon runs the inbound message loop: it connects the adapter,
// forwards each message to the handler, and delivers the reply back to
// the originating channel or thread in chunks. Messages are handled
// concurrently; per-session serialization is the handler's concern.
type Daemon struct {
	adapter Adapter
	handler MessageHandler
	limit   int

	mu      sync.Mutex
	threads map[string]string // channel ID -> thread of that channel's latest inbound message
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Adapter Adapter
	Handler MessageHandler
	// ChunkLimit overrides the per-message reply size. Zero means the
	// platform default.
	ChunkLimit int
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bridge: adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("bridge: handler is required")
	}
	limit := opts.ChunkLimit
	if limit <= 0 {
		limit = maxMessageChars
	}
	return &Daemon{
		adapter: opts.Adapter,
		handler: opts.Handler,
		limit:   limit,
		threads: make(map[string]string),
	}, nil
}

// Run connects the adapter and processes inbound messages until the
// context is cancelled or the adapter's inbound channel closes. It
// returns after all in-flight handlers have finished.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect: %w", err)
	}
	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			d.rememberTarget(msg)
			wg.Add(1)
			go func(msg InboundMessage) {
				defer wg.Done()
				d.handle(ctx, msg)
			}(msg)
		}
	}
}

func (d *Daemon) handle(ctx context.Context, msg InboundMessage) {
	reply := d.handler.HandleMessage(ctx, msg.ChannelID, msg.UserID, msg.Text)
	if reply == "" {
		return
	}
	d.deliver(msg.ChannelID, msg.ThreadID, reply)
}

// Notify implements executor.Notifier. Agent commentary carries the
// channel of the conversation that started the run, so concurrent runs
// in different channels each see their own progress stream. Commentary
// without a channel is dropped.
func (d *Daemon) Notify(n executor.Notification) {
	text := n.Text
	if text == "" || n.ChannelID == "" {
		return
	}
	label := n.AgentName
	if label == "" {
		label = n.Phase
	}
	if label != "" {
		text = "[" + label + "] " + text
	}

	d.mu.Lock()
	threadID := d.threads[n.ChannelID]
	d.mu.Unlock()
	d.deliver(n.ChannelID, threadID, text)
}

func (d *Daemon) rememberTarget(msg InboundMessage) {
	d.mu.Lock()
	d.threads[msg.ChannelID] = msg.ThreadID
	d.mu.Unlock()
}

// deliver chunks text and sends each piece. Delivery uses its own
// timeout context so replies for a finished run still go out when the
// run context is already cancelled.
func (d *Daemon) deliver(channelID, threadID, text string) {
	sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	for _, chunk := range chunkMessage(text, d.limit) {
		err := d.adapter.Send(sendCtx, OutboundMessage{
			ChannelID: channelID,
			ThreadID:  threadID,
			Text:      chunk,
		})
		if err != nil {
			log.Printf("bridge: send to %s failed: %v", channelID, err)
			return
		}
	}
}
