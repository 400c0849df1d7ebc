package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CodexOpts holds parameters for constructing a Codex executor.
type CodexOpts struct {
	Command          string // codex binary, default "codex"
	Args             []string
	Model            string
	WorkDir          string
	Timeout          time.Duration
	HistoryWindow    int
	HistoryCharLimit int
	Sandbox          string
	Notifier         Notifier
	Logf             func(format string, args ...interface{})
}

// Codex runs prompts through one-shot codex CLI subprocesses. Each Run
// spawns `codex exec --json`, parses the JSONL event stream on stdout,
// and returns the final agent message.
type Codex struct {
	opts CodexOpts

	mu      sync.Mutex
	nextID  int
	running map[int]context.CancelFunc
	closed  bool
}

// NewCodex creates a Codex executor, applying defaults for unset options.
func NewCodex(opts CodexOpts) *Codex {
	if opts.Command == "" {
		opts.Command = "codex"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 12
	}
	if opts.HistoryCharLimit <= 0 {
		opts.HistoryCharLimit = 6000
	}
	if opts.Sandbox == "" {
		opts.Sandbox = "workspace-write"
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...interface{}) {}
	}
	return &Codex{
		opts:    opts,
		running: make(map[int]context.CancelFunc),
	}
}

// Warmup verifies the codex binary is resolvable so a misconfigured
// deployment fails at startup instead of on the first user message.
func (c *Codex) Warmup(ctx context.Context) error {
	if _, err := exec.LookPath(c.opts.Command); err != nil {
		return &ExecutionError{Op: "warmup", Detail: fmt.Sprintf("binary %q not found", c.opts.Command)}
	}
	return nil
}

// Close cancels all in-flight runs and rejects new ones.
func (c *Codex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, cancel := range c.running {
		cancel()
	}
	return nil
}

// Run spawns one codex subprocess for the request and blocks until it
// produces a final message, fails, or the context is cancelled.
func (c *Codex) Run(ctx context.Context, req Request) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	id, err := c.track(cancel)
	if err != nil {
		return "", err
	}
	defer c.untrack(id)

	cmd, stdout, err := c.buildCommand(runCtx, req)
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", &ExecutionError{Op: "start", Detail: err.Error()}
	}

	final, parseErr := c.consume(stdout, req)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return "", &ExecutionError{Op: "run", Detail: fmt.Sprintf("timed out after %s", c.opts.Timeout)}
	}
	if parseErr != nil {
		return "", parseErr
	}
	if waitErr != nil {
		return "", &ExecutionError{Op: "run", Detail: waitErr.Error()}
	}
	if strings.TrimSpace(final) == "" {
		return "", &ExecutionError{Op: "run", Detail: "agent returned empty output"}
	}
	return final, nil
}

func (c *Codex) track(cancel context.CancelFunc) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, &ExecutionError{Op: "run", Detail: "executor is closed"}
	}
	c.nextID++
	id := c.nextID
	c.running[id] = cancel
	return id, nil
}

func (c *Codex) untrack(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

func (c *Codex) buildCommand(ctx context.Context, req Request) (*exec.Cmd, io.ReadCloser, error) {
	prompt := ComposePrompt(req.Prompt, req.History, c.opts.HistoryWindow, c.opts.HistoryCharLimit)
	if instructions := strings.TrimSpace(req.SystemInstructions); instructions != "" {
		prompt = fmt.Sprintf("Instructions:\n%s\n\n%s", instructions, prompt)
	}

	args := append([]string{}, c.opts.Args...)
	args = append(args,
		"exec",
		"--json",
		"--skip-git-repo-check",
		"--sandbox", c.opts.Sandbox,
	)
	model := req.Model
	if model == "" {
		model = c.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, c.opts.Command, args...)
	workDir := req.WorkDir
	if workDir == "" {
		workDir = c.opts.WorkDir
	}
	if workDir != "" {
		cmd.Dir = workDir
	}

	// SIGTERM first so the agent can flush state; WaitDelay escalates to
	// SIGKILL if it lingers.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &ExecutionError{Op: "pipe", Detail: err.Error()}
	}
	return cmd, stdout, nil
}

// consume reads JSONL events from the subprocess stdout. Agent commentary
// is forwarded to the notifier as it arrives; the last agent message wins
// as the final output unless a task_complete event carries one explicitly.
func (c *Codex) consume(stdout io.Reader, req Request) (string, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var final string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		event, ok := parseEvent(line)
		if !ok {
			continue
		}
		switch event.Type {
		case "agent_message":
			if event.Message == "" {
				continue
			}
			final = event.Message
			c.opts.Notifier.Notify(Notification{
				Phase:     event.phaseOrDefault(),
				Text:      event.Message,
				AgentName: req.AgentName,
				ChannelID: req.ChannelID,
			})
		case "task_complete":
			if event.LastAgentMessage != "" {
				final = event.LastAgentMessage
			}
		case "error":
			return "", &ExecutionError{Op: "run", Detail: event.Message}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &ExecutionError{Op: "read", Detail: err.Error()}
	}
	return final, nil
}

type streamEvent struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	Phase            string `json:"phase"`
	LastAgentMessage string `json:"last_agent_message"`
}

func (e streamEvent) phaseOrDefault() string {
	if e.Phase != "" {
		return e.Phase
	}
	return "commentary"
}

// parseEvent decodes one stream line, unwrapping the msg envelope some
// codex versions emit ({"msg": {"type": ...}}).
func parseEvent(line string) (streamEvent, bool) {
	var envelope struct {
		streamEvent
		Msg *streamEvent `json:"msg"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		return streamEvent{}, false
	}
	if envelope.Msg != nil && envelope.Msg.Type != "" {
		return *envelope.Msg, true
	}
	if envelope.Type == "" {
		return streamEvent{}, false
	}
	return envelope.streamEvent, true
}
