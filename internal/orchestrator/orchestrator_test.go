package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/executor"
	"github.com/zulandar/stationmaster/internal/profile"
	"github.com/zulandar/stationmaster/internal/session"
	"github.com/zulandar/stationmaster/internal/workflow"
)

// fakeWorkflow runs an injected function, defaulting to an immediate
// approved result.
type fakeWorkflow struct {
	fn func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error)
}

func (f *fakeWorkflow) Run(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
	if f.fn != nil {
		return f.fn(ctx, inputText, sess)
	}
	return &workflow.Result{
		OutputText:   "ok: " + inputText,
		NextHistory:  []session.Turn{{Role: "user", Content: inputText}, {Role: "assistant", Content: "ok"}},
		ReviewResult: session.ReviewApproved,
	}, nil
}

type orchFixture struct {
	orch   *Orchestrator
	store  *session.Store
	single *fakeWorkflow
	plan   *fakeWorkflow
}

func newFixture(t *testing.T, mutate func(*Opts)) *orchFixture {
	t.Helper()
	store := session.NewStore(t.TempDir())
	cfg := &config.Config{}
	cfg.Executor.Model = "test-model"
	registry := profile.NewRegistry(cfg)

	single := &fakeWorkflow{}
	plan := &fakeWorkflow{}
	opts := Opts{
		Store:           store,
		Profiles:        registry,
		Single:          single,
		Plan:            plan,
		MaxReviewRounds: 3,
		CancelWait:      time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &orchFixture{orch: orch, store: store, single: single, plan: plan}
}

// newBrokenStoreFixture roots the session store under a regular file so
// every Load and Save fails with a store error.
func newBrokenStoreFixture(t *testing.T) *orchFixture {
	t.Helper()
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store := session.NewStore(filepath.Join(blocker, "sessions"))
	cfg := &config.Config{}
	cfg.Executor.Model = "test-model"
	registry := profile.NewRegistry(cfg)

	single := &fakeWorkflow{}
	plan := &fakeWorkflow{}
	orch, err := New(Opts{
		Store:           store,
		Profiles:        registry,
		Single:          single,
		Plan:            plan,
		MaxReviewRounds: 3,
		CancelWait:      time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &orchFixture{orch: orch, store: store, single: single, plan: plan}
}

func TestHandleMessage_TextRunsWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "fix the bug")
	if reply != "ok: fix the bug" {
		t.Errorf("reply = %q", reply)
	}
	sess, _ := f.store.Load("C1", "U1")
	if sess.LastRunStatus != session.StatusOK {
		t.Errorf("LastRunStatus = %q", sess.LastRunStatus)
	}
	if len(sess.History) != 2 {
		t.Errorf("history = %d turns, want 2", len(sess.History))
	}
}

func TestHandleMessage_ModeSelectsWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	planRan := false
	f.plan.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		planRan = true
		return &workflow.Result{OutputText: "planned", ReviewResult: session.ReviewApproved}, nil
	}
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/mode plan"); reply != "[Mode]: plan" {
		t.Fatalf("mode reply = %q", reply)
	}
	f.orch.HandleMessage(context.Background(), "C1", "U1", "big request")
	if !planRan {
		t.Error("plan workflow did not run in plan mode")
	}
}

func TestHandleMessage_BusySecondRequest(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		startedOnce.Do(func() { close(started) })
		<-release
		return &workflow.Result{OutputText: "slow done", ReviewResult: session.ReviewApproved}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstReply string
	go func() {
		defer wg.Done()
		firstReply = f.orch.HandleMessage(context.Background(), "C1", "U1", "long work")
	}()

	<-started
	busyReply := f.orch.HandleMessage(context.Background(), "C1", "U1", "second request")
	if busyReply != busyMessage {
		t.Errorf("busy reply = %q", busyReply)
	}

	close(release)
	wg.Wait()
	if firstReply != "slow done" {
		t.Errorf("first reply = %q", firstReply)
	}

	// The same session accepts new work once the run finished.
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "third"); reply == busyMessage {
		t.Error("session still busy after run completion")
	}
}

func TestHandleMessage_IndependentSessionsDoNotBlock(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		if inputText == "blocker" {
			close(started)
			<-release
		}
		return &workflow.Result{OutputText: "done", ReviewResult: session.ReviewApproved}, nil
	}

	go f.orch.HandleMessage(context.Background(), "C1", "U1", "blocker")
	<-started
	defer close(release)

	if reply := f.orch.HandleMessage(context.Background(), "C2", "U2", "other session"); reply == busyMessage {
		t.Error("unrelated session was blocked")
	}
}

func TestCancel_MidRun(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var runReply string
	go func() {
		defer wg.Done()
		runReply = f.orch.HandleMessage(context.Background(), "C1", "U1", "long work")
	}()

	<-started
	cancelReply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/cancel")
	wg.Wait()

	if cancelReply != "[Cancel]: done" {
		t.Errorf("cancel reply = %q", cancelReply)
	}
	if runReply != "[Cancel]: done" {
		t.Errorf("run reply = %q", runReply)
	}

	sess, _ := f.store.Load("C1", "U1")
	if sess.LastError != "cancelled" {
		t.Errorf("LastError = %q, want cancelled", sess.LastError)
	}
	if sess.LastRunStatus != session.StatusError {
		t.Errorf("LastRunStatus = %q", sess.LastRunStatus)
	}

	// The registry entry is gone: a fresh cancel reports idle.
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/cancel"); reply != "[Cancel]: no running task" {
		t.Errorf("second cancel = %q", reply)
	}
}

func TestCancel_NoRunningTask(t *testing.T) {
	f := newFixture(t, nil)
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/cancel"); reply != "[Cancel]: no running task" {
		t.Errorf("reply = %q", reply)
	}
	// Repeating the command on an idle session gives the same answer.
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/cancel"); reply != "[Cancel]: no running task" {
		t.Errorf("repeat reply = %q", reply)
	}
}

func TestCancel_RequestedWithoutWait(t *testing.T) {
	f := newFixture(t, func(opts *Opts) { opts.CancelWait = 0 })
	started := make(chan struct{})
	release := make(chan struct{})
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		close(started)
		select {
		case <-ctx.Done():
		case <-release:
		}
		return nil, ctx.Err()
	}

	go f.orch.HandleMessage(context.Background(), "C1", "U1", "work")
	<-started
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/cancel")
	close(release)
	if reply != "[Cancel]: requested" {
		t.Errorf("reply = %q", reply)
	}
}

func TestReconcile_ClearsStaleFlag(t *testing.T) {
	f := newFixture(t, nil)
	stale := session.New("C1", "U1")
	stale.RunInProgress = true
	if err := f.store.Save(stale); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.orch.Reconcile()

	sessions, err := f.store.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	for _, s := range sessions {
		if s.RunInProgress {
			t.Errorf("stale flag survived reconcile: %+v", s)
		}
	}
}

func TestErrorTaxonomy_ExecutorConfiguration(t *testing.T) {
	f := newFixture(t, nil)
	longDetail := strings.Repeat("x", maxErrorDetailChars+50)
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		return nil, &executor.ExecutionError{Op: "run", Detail: longDetail}
	}
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "work")
	if !strings.Contains(reply, "Executor configuration error.") {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(reply, "detail: "+longDetail[:maxErrorDetailChars]+"...") {
		t.Error("detail not truncated to the budget")
	}
	if strings.Contains(reply, longDetail) {
		t.Error("full detail leaked into the reply")
	}

	sess, _ := f.store.Load("C1", "U1")
	if sess.LastRunStatus != session.StatusError {
		t.Errorf("LastRunStatus = %q", sess.LastRunStatus)
	}
}

func TestErrorTaxonomy_GenericInternal(t *testing.T) {
	f := newFixture(t, nil)
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		return nil, fmt.Errorf("database exploded with secrets inside")
	}
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "work")
	if reply != "An error occurred while processing the request. Please try again later." {
		t.Errorf("reply = %q", reply)
	}
	sess, _ := f.store.Load("C1", "U1")
	if !strings.Contains(sess.LastError, "database exploded") {
		t.Errorf("LastError = %q, want raw message recorded", sess.LastError)
	}
}

func TestStoreFailure_TextMessageRepliesGeneric(t *testing.T) {
	f := newBrokenStoreFixture(t)
	ran := false
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		ran = true
		return &workflow.Result{OutputText: "done", ReviewResult: session.ReviewApproved}, nil
	}

	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "hello")
	if reply != "An error occurred while processing the request. Please try again later." {
		t.Errorf("reply = %q", reply)
	}
	if ran {
		t.Error("workflow ran despite the store failure")
	}
	// A run whose busy flag never persisted must not stay registered.
	if f.orch.liveRun(session.Key("C1", "U1")) != nil {
		t.Error("ghost run registered after store failure")
	}
}

func TestStoreFailure_CommandsReplyGeneric(t *testing.T) {
	f := newBrokenStoreFixture(t)
	want := "An error occurred while processing the request. Please try again later."
	for _, text := range []string{"/start", "/status", "/cancel", "/mode plan", "/new", "/profile list"} {
		if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", text); reply != want {
			t.Errorf("%s reply = %q, want generic error", text, reply)
		}
	}
}

func TestWorkflowError_ClearsRunFlag(t *testing.T) {
	f := newFixture(t, nil)
	f.single.fn = func(ctx context.Context, inputText string, sess *session.Session) (*workflow.Result, error) {
		return nil, errors.New("boom")
	}
	f.orch.HandleMessage(context.Background(), "C1", "U1", "work")
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/cancel"); reply != "[Cancel]: no running task" {
		t.Errorf("flag not cleared after error: %q", reply)
	}
}

func TestCommand_StartShowsHelp(t *testing.T) {
	f := newFixture(t, func(opts *Opts) { opts.WorkingDirectory = "/srv/work" })
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/start")
	for _, want := range []string{"[Commands]:", "/mode single|plan", "/cancel", "mode=single", "working_directory=/srv/work"} {
		if !strings.Contains(reply, want) {
			t.Errorf("help missing %q:\n%s", want, reply)
		}
	}
}

func TestCommand_ModeValidation(t *testing.T) {
	f := newFixture(t, nil)
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/mode"); reply != "[Error]: usage=/mode single|plan" {
		t.Errorf("reply = %q", reply)
	}
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/mode multi"); reply != "[Error]: usage=/mode single|plan" {
		t.Errorf("multi should be rejected when disabled: %q", reply)
	}

	enabled := newFixture(t, func(opts *Opts) {
		opts.MultiEnabled = true
		opts.Multi = &fakeWorkflow{}
	})
	if reply := enabled.orch.HandleMessage(context.Background(), "C1", "U1", "/mode multi"); reply != "[Mode]: multi" {
		t.Errorf("reply = %q", reply)
	}
}

func TestCommand_NewResetsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.HandleMessage(context.Background(), "C1", "U1", "/mode plan")
	f.orch.HandleMessage(context.Background(), "C1", "U1", "work")

	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/new")
	if reply != "[Session]: reset, mode=single" {
		t.Errorf("reply = %q", reply)
	}
	sess, _ := f.store.Load("C1", "U1")
	if len(sess.History) != 0 || sess.Mode != session.ModeSingle {
		t.Errorf("session not reset: %+v", sess)
	}
	if sess.ProfileName != profile.DefaultName {
		t.Errorf("default profile not reapplied: %q", sess.ProfileName)
	}
}

func TestCommand_Status(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.HandleMessage(context.Background(), "C1", "U1", "/mode plan")
	f.orch.HandleMessage(context.Background(), "C1", "U1", "work")

	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/status")
	for _, want := range []string{"[Status]:", "mode=plan", "profile=default, model=test-model", "last_run=ok", "plan_review=rounds=", "last_error=-"} {
		if !strings.Contains(reply, want) {
			t.Errorf("status missing %q:\n%s", want, reply)
		}
	}
}

func TestCommand_ProfileList(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/profile list")
	if !strings.Contains(reply, "[Profiles]:") {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(reply, "* default (default): model=test-model") {
		t.Errorf("active default marker missing:\n%s", reply)
	}
}

func TestCommand_ProfileNotFound(t *testing.T) {
	f := newFixture(t, nil)
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/profile nope"); reply != "[Error]: profile not found: nope" {
		t.Errorf("reply = %q", reply)
	}
	if reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/profile"); reply != "[Error]: usage=/profile list|<name>" {
		t.Errorf("reply = %q", reply)
	}
}

func TestCommand_Unsupported(t *testing.T) {
	f := newFixture(t, nil)
	// Pass-through commands go to the workflow, not the command table.
	reply := f.orch.HandleMessage(context.Background(), "C1", "U1", "/diff --stat")
	if reply != "ok: /diff --stat" {
		t.Errorf("pass-through reply = %q", reply)
	}
}

func TestEnsureSessionProfile_RepairsDrift(t *testing.T) {
	f := newFixture(t, nil)
	sess := session.New("C1", "U1")
	sess.ProfileName = "ghost"
	sess.ProfileModel = "stale"
	if err := f.store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.orch.HandleMessage(context.Background(), "C1", "U1", "/status")
	repaired, _ := f.store.Load("C1", "U1")
	if repaired.ProfileName != profile.DefaultName {
		t.Errorf("ProfileName = %q, want default", repaired.ProfileName)
	}
	if repaired.ProfileModel != "test-model" {
		t.Errorf("ProfileModel = %q", repaired.ProfileModel)
	}
}
