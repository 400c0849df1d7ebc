package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/stationmaster/internal/executor"
	"github.com/zulandar/stationmaster/internal/session"
)

func newMulti(t *testing.T, exec executor.Executor, maxRetries int, workspace string) *Multi {
	t.Helper()
	multi, err := NewMulti(MultiOpts{Exec: exec, MaxRetries: maxRetries, WorkspaceDir: workspace})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	return multi
}

func TestMulti_RunsEnabledRolesInOrder(t *testing.T) {
	exec := &scriptedExecutor{responses: []string{
		`{"designer":{"enabled":true,"task":"design it","outputs":[]},` +
			`"frontend":{"enabled":false,"task":"","outputs":[]},` +
			`"backend":{"enabled":true,"task":"build it","outputs":[]},` +
			`"tester":{"enabled":true,"task":"test it","outputs":[]}}`,
		"design done",
		"backend done",
		"tests done",
		"summary of everything",
	}}
	result, err := newMulti(t, exec, 1, t.TempDir()).Run(context.Background(), "build the feature", session.New("C1", "U1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var agentOrder []string
	for _, req := range exec.requests {
		agentOrder = append(agentOrder, req.AgentName)
	}
	want := []string{"multi.manager", "multi.designer", "multi.backend", "multi.tester", "multi.manager"}
	if len(agentOrder) != len(want) {
		t.Fatalf("calls = %v, want %v", agentOrder, want)
	}
	for i := range want {
		if agentOrder[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, agentOrder[i], want[i])
		}
	}

	if result.OutputText != "summary of everything" {
		t.Errorf("OutputText = %q, want manager synthesis", result.OutputText)
	}
	if result.ReviewRound != 0 || result.ReviewResult != session.ReviewApproved {
		t.Errorf("result = (%q, %d)", result.ReviewResult, result.ReviewRound)
	}

	var skipped bool
	for _, tr := range result.Transitions {
		if tr.To == "frontend" && tr.Status == "skipped" {
			skipped = true
		}
	}
	if !skipped {
		t.Error("disabled frontend role should be recorded as skipped")
	}
}

func TestMulti_MalformedManagerPlanEnablesAllRoles(t *testing.T) {
	exec := &scriptedExecutor{responses: []string{
		"I would assign the designer first, then the others.",
		"designer out", "frontend out", "backend out", "tester out",
		"summary",
	}}
	result, err := newMulti(t, exec, 1, t.TempDir()).Run(context.Background(), "build it", session.New("C1", "U1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	roleCalls := 0
	for _, req := range exec.requests {
		if req.AgentName != "multi.manager" {
			roleCalls++
			if !strings.Contains(req.Prompt, "build it") {
				t.Errorf("role prompt missing user text fallback task: %q", req.Prompt)
			}
		}
	}
	if roleCalls != 4 {
		t.Errorf("role calls = %d, want all 4", roleCalls)
	}
	if result.Transitions[0].Reason == "" {
		t.Error("manager transition should note the plan fallback")
	}
}

func TestMulti_RetriesMissingOutputs(t *testing.T) {
	workspace := t.TempDir()
	exec := &scriptedExecutor{responses: []string{
		`{"designer":{"enabled":true,"task":"write the spec","outputs":["docs/spec.md"]},` +
			`"frontend":{"enabled":false},"backend":{"enabled":false},"tester":{"enabled":false}}`,
		"forgot to write the file",
		"wrote it this time",
		"summary",
	}}
	attempt := 0
	exec.onRun = func(req executor.Request) {
		if req.AgentName != "multi.designer" {
			return
		}
		attempt++
		if attempt == 2 {
			os.MkdirAll(filepath.Join(workspace, "docs"), 0o755)
			os.WriteFile(filepath.Join(workspace, "docs", "spec.md"), []byte("spec"), 0o644)
		}
	}

	_, err := newMulti(t, exec, 1, workspace).Run(context.Background(), "spec it", session.New("C1", "U1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("designer attempts = %d, want 2", attempt)
	}

	var retryPrompt string
	for _, req := range exec.requests {
		if req.AgentName == "multi.designer" {
			retryPrompt = req.Prompt
		}
	}
	if !strings.Contains(retryPrompt, "still missing: docs/spec.md") {
		t.Errorf("retry prompt missing addendum: %q", retryPrompt)
	}
}

func TestMulti_RetryBudgetBounded(t *testing.T) {
	exec := &scriptedExecutor{responses: []string{
		`{"designer":{"enabled":true,"task":"t","outputs":["never.md"]},` +
			`"frontend":{"enabled":false},"backend":{"enabled":false},"tester":{"enabled":false}}`,
		"attempt 1",
		"attempt 2",
		"summary",
	}}
	result, err := newMulti(t, exec, 1, t.TempDir()).Run(context.Background(), "t", session.New("C1", "U1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	designerCalls := 0
	for _, req := range exec.requests {
		if req.AgentName == "multi.designer" {
			designerCalls++
		}
	}
	if designerCalls != 2 {
		t.Errorf("designer calls = %d, want initial + 1 retry", designerCalls)
	}
	var missingStatus bool
	for _, tr := range result.Transitions {
		if tr.To == "designer" && tr.Status == "missing_outputs" {
			missingStatus = true
		}
	}
	if !missingStatus {
		t.Error("unmet outputs should be recorded on the transition")
	}
}

func TestMulti_SynthesisPromptCarriesOutcomes(t *testing.T) {
	workspace := t.TempDir()
	exec := &scriptedExecutor{responses: []string{
		`{"designer":{"enabled":true,"task":"design","outputs":[]},` +
			`"frontend":{"enabled":false},"backend":{"enabled":false},"tester":{"enabled":false}}`,
		"design output",
		"summary",
	}}
	exec.onRun = func(req executor.Request) {
		if req.AgentName == "multi.designer" {
			os.WriteFile(filepath.Join(workspace, "design.md"), []byte("d"), 0o644)
		}
	}
	if _, err := newMulti(t, exec, 0, workspace).Run(context.Background(), "go", session.New("C1", "U1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	synthesis := exec.requests[len(exec.requests)-1]
	if !strings.Contains(synthesis.Prompt, "[designer] task: design") {
		t.Errorf("synthesis missing role block: %q", synthesis.Prompt)
	}
	if !strings.Contains(synthesis.Prompt, "touched: design.md") {
		t.Errorf("synthesis missing touched artifacts: %q", synthesis.Prompt)
	}
}
