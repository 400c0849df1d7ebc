// Package orchestrator is the single entry point for inbound messages:
// it routes bot commands, enforces one in-flight run per session, drives
// the mode-selected workflow, and owns all user-facing wording for
// errors and command replies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/zulandar/stationmaster/internal/executor"
	"github.com/zulandar/stationmaster/internal/profile"
	"github.com/zulandar/stationmaster/internal/router"
	"github.com/zulandar/stationmaster/internal/session"
	"github.com/zulandar/stationmaster/internal/trace"
	"github.com/zulandar/stationmaster/internal/workflow"
)

const busyMessage = "A task is already running for this session. Please try again shortly."

const maxErrorDetailChars = 280

// Opts holds the orchestrator's collaborators and policy knobs.
type Opts struct {
	Store    *session.Store
	Profiles *profile.Registry
	Exec     executor.Executor
	Trace    *trace.Store

	Single workflow.Workflow
	Plan   workflow.Workflow
	Multi  workflow.Workflow

	MaxReviewRounds int
	// CancelWait bounds how long /cancel blocks for the cancelled run to
	// finish. Zero returns immediately after requesting cancellation.
	CancelWait time.Duration
	// MultiEnabled exposes multi mode on /mode.
	MultiEnabled     bool
	WorkingDirectory string
}

// runHandle tracks one in-flight workflow run.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator mediates between the chat bridge and the workflows.
type Orchestrator struct {
	opts Opts

	mu      sync.Mutex
	running map[string]*runHandle
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: session store is required")
	}
	if opts.Profiles == nil {
		return nil, fmt.Errorf("orchestrator: profile registry is required")
	}
	if opts.Single == nil || opts.Plan == nil {
		return nil, fmt.Errorf("orchestrator: single and plan workflows are required")
	}
	if opts.MaxReviewRounds <= 0 {
		opts.MaxReviewRounds = 3
	}
	return &Orchestrator{
		opts:    opts,
		running: make(map[string]*runHandle),
	}, nil
}

// HandleMessage processes one inbound message and returns the reply
// text. All errors are translated here; the caller always gets something
// presentable.
func (o *Orchestrator) HandleMessage(ctx context.Context, channelID, userID, text string) string {
	started := time.Now()
	route := router.Parse(text)

	var (
		output       string
		traceMode    = session.ModeSingle
		reviewRound  int
		reviewResult string
		errorMessage string
	)

	if route.Kind == router.KindBotCommand {
		var err error
		output, traceMode, err = o.handleBotCommand(ctx, channelID, userID, route)
		if err != nil {
			errorMessage = err.Error()
			output = o.renderError(err)
		}
	} else {
		var err error
		output, traceMode, reviewRound, reviewResult, err = o.handleWorkflowMessage(ctx, channelID, userID, route, started)
		if err != nil {
			errorMessage = err.Error()
			output = o.renderError(err)
		}
	}

	o.safeTrace(trace.Event{
		SessionID:    session.Key(channelID, userID),
		Stage:        traceMode,
		Round:        reviewRound,
		ReviewResult: reviewResult,
		Prompt:       route.Text,
		Output:       output,
		Status:       traceStatus(errorMessage),
		Detail:       errorMessage,
		LatencyMs:    time.Since(started).Milliseconds(),
	})

	return output
}

// renderError maps the error taxonomy to user-facing wording. Executor
// configuration failures get a remediation hint with truncated detail;
// everything else stays generic, with the raw message only in the
// session record.
func (o *Orchestrator) renderError(err error) string {
	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		detail := execErr.Detail
		if detail == "" {
			detail = execErr.Op
		}
		if len(detail) > maxErrorDetailChars {
			detail = detail[:maxErrorDetailChars] + "..."
		}
		return "Executor configuration error. " +
			"Check the codex CLI installation and the executor settings in the config file.\n" +
			"detail: " + detail
	}
	return "An error occurred while processing the request. Please try again later."
}

func (o *Orchestrator) handleBotCommand(ctx context.Context, channelID, userID string, route router.Route) (string, string, error) {
	switch route.Command {
	case "start":
		sess, err := o.loadWithProfile(channelID, userID)
		if err != nil {
			return "", session.ModeSingle, err
		}
		return o.renderHelp(sess.Mode), session.ModeSingle, nil

	case "mode":
		mode := ""
		if len(route.Args) > 0 {
			mode = route.Args[0]
		}
		if !o.validMode(mode) {
			return "[Error]: usage=" + o.modeUsage(), session.ModePlan, nil
		}
		err := o.opts.Store.WithLock(channelID, userID, func() error {
			sess, err := o.opts.Store.Load(channelID, userID)
			if err != nil {
				return err
			}
			o.ensureSessionProfile(sess)
			sess.Mode = mode
			sess.LastError = ""
			return o.opts.Store.Save(sess)
		})
		if err != nil {
			return "", mode, err
		}
		return "[Mode]: " + mode, mode, nil

	case "new":
		var mode string
		err := o.opts.Store.WithLock(channelID, userID, func() error {
			sess, err := o.opts.Store.Reset(channelID, userID)
			if err != nil {
				return err
			}
			o.applyProfile(sess, o.opts.Profiles.Default())
			mode = sess.Mode
			return o.opts.Store.Save(sess)
		})
		if err != nil {
			return "", session.ModeSingle, err
		}
		return "[Session]: reset, mode=" + mode, mode, nil

	case "status":
		sess, err := o.loadWithProfile(channelID, userID)
		if err != nil {
			return "", session.ModeSingle, err
		}
		return o.renderStatus(ctx, sess), sess.Mode, nil

	case "profile":
		return o.handleProfileCommand(channelID, userID, route)

	case "cancel":
		return o.handleCancelCommand(channelID, userID)
	}

	return "[Error]: unsupported command", session.ModeSingle, nil
}

func (o *Orchestrator) handleProfileCommand(channelID, userID string, route router.Route) (string, string, error) {
	sess, err := o.loadWithProfile(channelID, userID)
	if err != nil {
		return "", session.ModeSingle, err
	}
	if len(route.Args) == 0 {
		return "[Error]: usage=/profile list|<name>", sess.Mode, nil
	}
	arg := route.Args[0]

	if arg == "list" {
		return o.renderProfileList(sess), sess.Mode, nil
	}

	selected, ok := o.opts.Profiles.Get(arg)
	if !ok {
		return "[Error]: profile not found: " + arg, sess.Mode, nil
	}

	var reply string
	err = o.opts.Store.WithLock(channelID, userID, func() error {
		latest, err := o.opts.Store.Load(channelID, userID)
		if err != nil {
			return err
		}
		o.applyProfile(latest, selected)
		latest.LastError = ""
		if err := o.opts.Store.Save(latest); err != nil {
			return err
		}
		reply = fmt.Sprintf("[Profile]: %s\nmodel=%s\nworking_directory=%s",
			latest.ProfileName, orDash(latest.ProfileModel), orDash(latest.ProfileWorkingDirectory))
		return nil
	})
	if err != nil {
		return "", sess.Mode, err
	}
	return reply, sess.Mode, nil
}

func (o *Orchestrator) handleCancelCommand(channelID, userID string) (string, string, error) {
	key := session.Key(channelID, userID)
	sess, err := o.loadWithProfile(channelID, userID)
	if err != nil {
		return "", session.ModeSingle, err
	}

	handle := o.liveRun(key)
	if handle == nil {
		// Clear a stale persisted flag so status output recovers after a
		// crash mid-run.
		err := o.opts.Store.WithLock(channelID, userID, func() error {
			latest, err := o.opts.Store.Load(channelID, userID)
			if err != nil {
				return err
			}
			return o.opts.Store.Save(latest)
		})
		if err != nil {
			return "", sess.Mode, err
		}
		return "[Cancel]: no running task", sess.Mode, nil
	}

	handle.cancel()
	if o.opts.CancelWait <= 0 {
		return "[Cancel]: requested", sess.Mode, nil
	}

	select {
	case <-handle.done:
		return "[Cancel]: done", sess.Mode, nil
	case <-time.After(o.opts.CancelWait):
		return "[Cancel]: still shutting down", sess.Mode, nil
	}
}

func (o *Orchestrator) handleWorkflowMessage(ctx context.Context, channelID, userID string, route router.Route, started time.Time) (string, string, int, string, error) {
	key := session.Key(channelID, userID)

	var (
		sess *session.Session
		busy bool
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	handle := &runHandle{cancel: cancelRun, done: make(chan struct{})}

	lockErr := o.opts.Store.WithLock(channelID, userID, func() error {
		var err error
		sess, err = o.opts.Store.Load(channelID, userID)
		if err != nil {
			return err
		}
		changed := o.ensureSessionProfile(sess)

		if o.liveRun(key) != nil {
			busy = true
			if changed {
				return o.opts.Store.Save(sess)
			}
			return nil
		}

		// The run is registered only after its busy flag is durably
		// persisted, so a store failure here means no run starts at all.
		sess.RunInProgress = true
		if err := o.opts.Store.Save(sess); err != nil {
			return err
		}
		o.register(key, handle)
		return nil
	})
	if lockErr != nil && !busy {
		cancelRun()
		return "", session.ModeSingle, 0, "", lockErr
	}

	if busy {
		cancelRun()
		return busyMessage, sess.Mode, sess.LastReviewRound, sess.LastReviewResult, nil
	}

	mode := sess.Mode
	wf := o.workflowFor(mode)

	defer func() {
		o.unregister(key, handle)
		close(handle.done)
		cancelRun()
	}()

	result, runErr := wf.Run(runCtx, route.Text, sess)
	cancelled := runErr != nil && (errors.Is(runErr, context.Canceled) || runCtx.Err() == context.Canceled)

	var reviewRound int
	var reviewResult string
	mergeErr := o.opts.Store.WithLock(channelID, userID, func() error {
		latest, err := o.opts.Store.Load(channelID, userID)
		if err != nil {
			return err
		}
		switch {
		case runErr == nil:
			latest.History = result.NextHistory
			latest.LastRunStatus = session.StatusOK
			latest.LastRunLatencyMS = time.Since(started).Milliseconds()
			latest.LastError = ""
			latest.LastReviewRound = result.ReviewRound
			latest.LastReviewResult = result.ReviewResult
		case cancelled:
			latest.LastRunStatus = session.StatusError
			latest.LastError = "cancelled"
		default:
			latest.LastRunStatus = session.StatusError
			latest.LastError = runErr.Error()
		}
		latest.RunInProgress = false
		reviewRound = latest.LastReviewRound
		reviewResult = latest.LastReviewResult
		return o.opts.Store.Save(latest)
	})

	if cancelled {
		return "[Cancel]: done", mode, reviewRound, reviewResult, nil
	}
	if runErr != nil {
		return "", mode, reviewRound, reviewResult, runErr
	}
	if mergeErr != nil {
		return "", mode, reviewRound, reviewResult, mergeErr
	}
	return result.OutputText, mode, reviewRound, reviewResult, nil
}

// Reconcile clears persisted run flags that have no matching live run.
// Runs at startup and on a schedule so a crash mid-run cannot leave a
// session looking busy forever.
func (o *Orchestrator) Reconcile() {
	sessions, err := o.opts.Store.Sessions()
	if err != nil {
		log.Printf("orchestrator: reconcile: %v", err)
		return
	}
	cleared := 0
	for _, raw := range sessions {
		if !raw.RunInProgress || o.liveRun(raw.ID) != nil {
			continue
		}
		err := o.opts.Store.WithLock(raw.ChannelID, raw.UserID, func() error {
			// Load normalizes the record, dropping the stale flag.
			latest, err := o.opts.Store.Load(raw.ChannelID, raw.UserID)
			if err != nil {
				return err
			}
			return o.opts.Store.Save(latest)
		})
		if err != nil {
			log.Printf("orchestrator: reconcile %s: %v", raw.ID, err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		log.Printf("orchestrator: reconcile cleared %d stale run flag(s)", cleared)
	}
}

func (o *Orchestrator) workflowFor(mode string) workflow.Workflow {
	switch mode {
	case session.ModePlan:
		return o.opts.Plan
	case session.ModeMulti:
		if o.opts.Multi != nil {
			return o.opts.Multi
		}
	}
	return o.opts.Single
}

func (o *Orchestrator) validMode(mode string) bool {
	switch mode {
	case session.ModeSingle, session.ModePlan:
		return true
	case session.ModeMulti:
		return o.opts.MultiEnabled
	}
	return false
}

func (o *Orchestrator) modeUsage() string {
	if o.opts.MultiEnabled {
		return "/mode single|plan|multi"
	}
	return "/mode single|plan"
}

// loadWithProfile loads the session under its lock and persists any
// profile drift repair.
func (o *Orchestrator) loadWithProfile(channelID, userID string) (*session.Session, error) {
	var sess *session.Session
	err := o.opts.Store.WithLock(channelID, userID, func() error {
		var err error
		sess, err = o.opts.Store.Load(channelID, userID)
		if err != nil {
			return err
		}
		if o.ensureSessionProfile(sess) {
			return o.opts.Store.Save(sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ensureSessionProfile re-applies the registry's view of the session's
// profile when the stored copy has drifted (renamed profile, edited
// overrides). Returns true when the session changed.
func (o *Orchestrator) ensureSessionProfile(sess *session.Session) bool {
	selected, ok := o.opts.Profiles.Get(sess.ProfileName)
	if !ok {
		o.applyProfile(sess, o.opts.Profiles.Default())
		return true
	}
	if sess.ProfileName != selected.Name ||
		sess.ProfileModel != selected.Model ||
		sess.ProfileWorkingDirectory != selected.WorkingDirectory ||
		!reflect.DeepEqual(sess.AgentModels, selected.AgentModels) ||
		!reflect.DeepEqual(sess.AgentInstructions, selected.AgentInstructions) {
		o.applyProfile(sess, selected)
		return true
	}
	return false
}

func (o *Orchestrator) applyProfile(sess *session.Session, p profile.Profile) {
	sess.ProfileName = p.Name
	sess.ProfileModel = p.Model
	sess.ProfileWorkingDirectory = p.WorkingDirectory
	sess.AgentModels = p.AgentModels
	sess.AgentInstructions = p.AgentInstructions
}

func (o *Orchestrator) register(key string, handle *runHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[key] = handle
}

func (o *Orchestrator) unregister(key string, handle *runHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[key] == handle {
		delete(o.running, key)
	}
}

// liveRun returns the in-flight handle for a session key, dropping
// finished entries.
func (o *Orchestrator) liveRun(key string) *runHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.running[key]
	if !ok {
		return nil
	}
	select {
	case <-handle.done:
		delete(o.running, key)
		return nil
	default:
		return handle
	}
}

// safeTrace appends the record, swallowing every failure. Tracing must
// never surface to the user.
func (o *Orchestrator) safeTrace(ev trace.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: trace panic: %v", r)
		}
	}()
	if err := o.opts.Trace.Append(ev); err != nil {
		log.Printf("orchestrator: trace: %v", err)
	}
}

func traceStatus(errorMessage string) string {
	if errorMessage != "" {
		return session.StatusError
	}
	return session.StatusOK
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
