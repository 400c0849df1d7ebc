package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/stationmaster/internal/agents"
	"github.com/zulandar/stationmaster/internal/executor"
	"github.com/zulandar/stationmaster/internal/session"
)

// multi workflow roles, always executed in this order.
var multiRoles = []roleSpec{
	{
		name: "designer",
		keys: []string{"multi.designer", "designer"},
		instructions: "You are Designer Agent. Produce the interface and data design the other roles build against. " +
			"Write design artifacts to files. Keep the response concise.",
	},
	{
		name: "frontend",
		keys: []string{"multi.frontend", "frontend"},
		instructions: "You are Frontend Developer Agent. Implement the user-facing part of the request. " +
			"Write code to files. Keep the response concise.",
	},
	{
		name: "backend",
		keys: []string{"multi.backend", "backend"},
		instructions: "You are Backend Developer Agent. Implement the service and data part of the request. " +
			"Write code to files. Keep the response concise.",
	},
	{
		name: "tester",
		keys: []string{"multi.tester", "tester"},
		instructions: "You are Tester Agent. Write tests covering the other roles' artifacts. " +
			"Write tests to files. Keep the response concise.",
	},
}

var managerKeys = []string{"multi.manager", "manager"}

const defaultManagerInstructions = "You are Team Manager Agent. Split user requests across a fixed team and later synthesize their results. " +
	"When asked for a plan, return strict JSON only."

type roleSpec struct {
	name         string
	keys         []string
	instructions string
}

// rolePlan is the manager's assignment for one role.
type rolePlan struct {
	Enabled bool
	Task    string
	Outputs []string
}

// RoleOutcome records one role's execution for the final synthesis.
type RoleOutcome struct {
	Role     string
	Task     string
	Output   string
	Touched  []string
	Missing  []string
	Attempts int
}

// MultiOpts configures the multi workflow.
type MultiOpts struct {
	Exec executor.Executor
	// MaxRetries bounds re-runs of a role whose declared outputs are
	// still missing after it completes.
	MaxRetries   int
	WorkspaceDir string
}

// Multi fans a request out to a fixed team of roles under a manager
// stage: the manager plans, each enabled role executes in order, and the
// manager synthesizes the final summary.
type Multi struct {
	opts MultiOpts
}

// NewMulti creates the multi workflow.
func NewMulti(opts MultiOpts) (*Multi, error) {
	if opts.Exec == nil {
		return nil, fmt.Errorf("workflow: multi requires an executor")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Multi{opts: opts}, nil
}

func (w *Multi) Run(ctx context.Context, inputText string, sess *session.Session) (*Result, error) {
	sess.History = sanitizeHistory(sess.History)

	transitions := []Transition{
		{From: "start", To: "manager", Round: 0, Status: "completed"},
	}

	plans, planned := w.planRoles(ctx, inputText, sess)
	if !planned {
		transitions[0].Reason = "manager_plan_not_json; all roles enabled"
	}

	workspaceRoot := sess.ProfileWorkingDirectory
	if workspaceRoot == "" {
		workspaceRoot = w.opts.WorkspaceDir
	}

	var outcomes []RoleOutcome
	for _, role := range multiRoles {
		plan := plans[role.name]
		if !plan.Enabled {
			transitions = append(transitions, Transition{
				From: "manager", To: role.name, Round: 0, Status: "skipped",
			})
			continue
		}

		outcome, err := w.runRole(ctx, role, plan, sess, workspaceRoot)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)

		status := "completed"
		if len(outcome.Missing) > 0 {
			status = "missing_outputs"
		}
		transitions = append(transitions, Transition{
			From: "manager", To: role.name, Round: outcome.Attempts, Status: status,
		})
	}

	finalOutput, err := w.synthesize(ctx, inputText, outcomes, sess)
	if err != nil {
		return nil, err
	}
	transitions = append(transitions, Transition{
		From: "manager", To: "completed", Round: 0, Status: "approved",
	})

	return &Result{
		OutputText:   finalOutput,
		NextHistory:  nextHistory(sess.History, inputText, finalOutput),
		ReviewRound:  0,
		ReviewResult: session.ReviewApproved,
		Transitions:  transitions,
	}, nil
}

// planRoles asks the manager for per-role assignments. Malformed manager
// output enables every role with the user text as its task, mirroring
// the reviewer's accept-on-parse-failure policy.
func (w *Multi) planRoles(ctx context.Context, inputText string, sess *session.Session) (map[string]rolePlan, bool) {
	prompt := "User request:\n" + inputText + "\n\n" +
		"Split this request across your team. The roles are, in execution order: " +
		"designer, frontend, backend, tester.\n\n" +
		"Return strict JSON only, one key per role, each value an object with keys:\n" +
		"- enabled (bool): whether the role is needed\n" +
		"- task (string): the role's concrete assignment\n" +
		"- outputs (array of strings): file paths the role must produce, relative to the workspace\n\n" +
		"Disable roles the request does not need. Return JSON only."

	raw, err := w.runAgent(ctx, "multi.manager", prompt, sess, managerKeys, defaultManagerInstructions)
	if err != nil {
		return allRolesEnabled(inputText), false
	}

	payload := agents.ExtractJSONObject(raw)
	if payload == nil {
		return allRolesEnabled(inputText), false
	}

	plans := make(map[string]rolePlan, len(multiRoles))
	recognized := false
	for _, role := range multiRoles {
		entry, ok := payload[role.name].(map[string]interface{})
		if !ok {
			plans[role.name] = rolePlan{}
			continue
		}
		recognized = true
		enabled, _ := entry["enabled"].(bool)
		task, _ := entry["task"].(string)
		var outputs []string
		if list, ok := entry["outputs"].([]interface{}); ok {
			for _, item := range list {
				if path, ok := item.(string); ok && strings.TrimSpace(path) != "" {
					outputs = append(outputs, strings.TrimSpace(path))
				}
			}
		}
		if task == "" {
			task = inputText
		}
		plans[role.name] = rolePlan{Enabled: enabled, Task: task, Outputs: outputs}
	}
	if !recognized {
		return allRolesEnabled(inputText), false
	}
	return plans, true
}

func allRolesEnabled(inputText string) map[string]rolePlan {
	plans := make(map[string]rolePlan, len(multiRoles))
	for _, role := range multiRoles {
		plans[role.name] = rolePlan{Enabled: true, Task: inputText}
	}
	return plans
}

// runRole executes one role, retrying while declared outputs are missing
// and the retry budget lasts.
func (w *Multi) runRole(ctx context.Context, role roleSpec, plan rolePlan, sess *session.Session, workspaceRoot string) (RoleOutcome, error) {
	outcome := RoleOutcome{Role: role.name, Task: plan.Task}

	prompt := "Your assignment:\n" + plan.Task
	if len(plan.Outputs) > 0 {
		prompt += "\n\nRequired output files:\n- " + strings.Join(plan.Outputs, "\n- ")
	}

	touched := make(map[string]bool)
	for attempt := 1; attempt <= 1+w.opts.MaxRetries; attempt++ {
		outcome.Attempts = attempt

		before := snapshotWorkspace(workspaceRoot)
		output, err := w.runAgent(ctx, "multi."+role.name, prompt, sess, role.keys, role.instructions)
		if err != nil {
			return RoleOutcome{}, err
		}
		outcome.Output = output
		after := snapshotWorkspace(workspaceRoot)

		for _, path := range diffSnapshots(before, after) {
			touched[path] = true
		}

		outcome.Missing = missingOutputs(plan.Outputs, after)
		if len(outcome.Missing) == 0 {
			break
		}
		prompt += "\n\nstill missing: " + strings.Join(outcome.Missing, ", ")
	}

	for path := range touched {
		outcome.Touched = append(outcome.Touched, path)
	}
	sort.Strings(outcome.Touched)
	return outcome, nil
}

// synthesize asks the manager for the user-facing summary of all role
// outcomes.
func (w *Multi) synthesize(ctx context.Context, inputText string, outcomes []RoleOutcome, sess *session.Session) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\nRole results:\n", inputText)
	for _, outcome := range outcomes {
		fmt.Fprintf(&b, "\n[%s] task: %s\n", outcome.Role, outcome.Task)
		fmt.Fprintf(&b, "output: %s\n", clip(outcome.Output, maxReviewFeedbackChars))
		if len(outcome.Touched) > 0 {
			fmt.Fprintf(&b, "touched: %s\n", strings.Join(outcome.Touched, ", "))
		}
		if len(outcome.Missing) > 0 {
			fmt.Fprintf(&b, "missing: %s\n", strings.Join(outcome.Missing, ", "))
		}
	}
	b.WriteString("\nSynthesize one user-facing summary of what was done, " +
		"naming the touched artifacts and calling out anything still missing. No JSON.")

	return w.runAgent(ctx, "multi.manager", b.String(), sess, managerKeys, defaultManagerInstructions)
}

// runAgent invokes the executor with the role's resolved model and
// instructions and applies the anti-echo guard.
func (w *Multi) runAgent(ctx context.Context, agentName, prompt string, sess *session.Session, keys []string, defaultInstructions string) (string, error) {
	model := sess.ProfileModel
	for _, key := range keys {
		if value := strings.TrimSpace(sess.AgentModels[key]); value != "" {
			model = value
			break
		}
	}
	instructions := defaultInstructions
	for _, key := range keys {
		if value := strings.TrimSpace(sess.AgentInstructions[key]); value != "" {
			instructions = value
			break
		}
	}

	output, err := w.opts.Exec.Run(ctx, executor.Request{
		Prompt:             prompt,
		History:            sess.History,
		SystemInstructions: instructions,
		Model:              model,
		WorkDir:            sess.ProfileWorkingDirectory,
		AgentName:          agentName,
		ChannelID:          sess.ChannelID,
	})
	if err != nil {
		return "", err
	}
	output = strings.TrimSpace(output)
	if agents.LooksLikePromptEcho(output) {
		return "", &executor.ExecutionError{
			Op:     "run",
			Detail: "executor returned prompt-like " + agentName + " output; check executor configuration",
		}
	}
	return output, nil
}

func missingOutputs(declared []string, snapshot map[string]fileStamp) []string {
	var missing []string
	for _, path := range declared {
		if _, ok := snapshot[path]; !ok {
			missing = append(missing, path)
		}
	}
	return missing
}
