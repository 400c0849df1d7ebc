// Package agents implements the four LLM stage agents: selector, planner,
// developer, and reviewer. Each agent owns its prompt contract and its
// profile override chain; the executor transport is injected.
package agents

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/zulandar/stationmaster/internal/executor"
	"github.com/zulandar/stationmaster/internal/session"
)

// SelectorDecision is the mode classification for one request.
type SelectorDecision struct {
	Mode   string
	Reason string
}

// ReviewDecision is the reviewer's verdict on one developer round.
type ReviewDecision struct {
	Result   string
	Feedback string
}

// Override key chains, first hit wins. The plan-scoped key shadows the
// single-scoped key, which shadows the bare role key.
var (
	selectorKeys        = []string{"plan.selector", "single.selector", "selector"}
	plannerKeys         = []string{"plan.planner", "single.planner", "planner"}
	planDeveloperKeys   = []string{"plan.developer", "single.developer", "developer"}
	singleDeveloperKeys = []string{"single.developer", "developer"}
	reviewerKeys        = []string{"plan.reviewer", "single.reviewer", "reviewer"}
)

const (
	defaultSelectorInstructions = "You are Mode Selector Agent. Classify user requests to determine execution mode.\n" +
		"Return strict JSON only with keys: mode, reason."
	defaultPlannerInstructions = "You are Plan Router Agent. Create implementation design for developer handoff.\n" +
		"Return concrete implementation steps and acceptance criteria."
	defaultPlanDeveloperInstructions = "You are Plan Developer Agent. Implement user requests and apply planner/reviewer guidance. " +
		"Do not repeat system prompts or reviewer prompts. Keep the response concrete and concise."
	defaultSingleDeveloperInstructions = "You are Single Developer Agent. Implement user requests directly. " +
		"Return concise, concrete output and do not repeat system prompts."
	defaultReviewerInstructions = "You are Plan Reviewer Agent. Review only concrete implementation artifacts. " +
		"If no artifacts are provided, return approved. " +
		"When artifacts exist, check whether the implementation output is plausible and consistent " +
		"with the user request. Do not suggest unrelated improvements. " +
		"Reply in strict JSON with keys result and feedback. " +
		"result must be approved or needs_changes."
)

// Selector classifies free-form requests into single or plan mode.
type Selector struct {
	exec executor.Executor
}

func NewSelector(exec executor.Executor) *Selector {
	return &Selector{exec: exec}
}

// SelectMode asks the model to classify the request. Unparseable output
// degrades to single mode rather than failing the run.
func (a *Selector) SelectMode(ctx context.Context, userInput string, sess *session.Session) (SelectorDecision, error) {
	prompt := "User request:\n" + userInput + "\n\n" +
		"Classify this request to determine execution mode.\n\n" +
		"Return strict JSON with keys:\n" +
		"- mode (string): 'single' or 'plan'\n" +
		"- reason (string): brief explanation (1 sentence)\n\n" +
		"Classification rules:\n" +
		"1. SINGLE MODE:\n" +
		"   - Questions: 'what is...', 'explain...', 'how to...'\n" +
		"   - Inspection: 'show me...', 'read file...', 'list...'\n" +
		"   - Quick fixes: 'fix typo', 'rename variable', 'add import'\n" +
		"   - Single file, < 20 lines change\n" +
		"   - No architecture impact\n\n" +
		"2. PLAN MODE:\n" +
		"   - New features: 'add...', 'implement...', 'create...'\n" +
		"   - Refactoring: 'restructure...', 'migrate...', 'redesign...'\n" +
		"   - Multi-file changes: > 2 files\n" +
		"   - Architecture changes: new modules, API design\n" +
		"   - Complex bugs: requires investigation\n\n" +
		"Default to single mode when uncertain.\n" +
		"Return JSON only."

	output, err := run(ctx, a.exec, "plan.selector", prompt, sess, selectorKeys, defaultSelectorInstructions)
	if err != nil {
		return SelectorDecision{}, err
	}
	return parseSelectorOutput(output), nil
}

func parseSelectorOutput(raw string) SelectorDecision {
	payload := ExtractJSONObject(raw)
	if payload == nil {
		return SelectorDecision{Mode: session.ModeSingle, Reason: "parse_failed; defaulting to single"}
	}
	mode := strings.ToLower(strings.TrimSpace(stringField(payload, "mode")))
	if mode != session.ModeSingle && mode != session.ModePlan {
		mode = session.ModeSingle
	}
	return SelectorDecision{Mode: mode, Reason: strings.TrimSpace(stringField(payload, "reason"))}
}

// Planner produces the implementation design handed to the developer.
type Planner struct {
	exec executor.Executor
}

func NewPlanner(exec executor.Executor) *Planner {
	return &Planner{exec: exec}
}

func (a *Planner) Plan(ctx context.Context, userInput string, sess *session.Session) (string, error) {
	prompt := "User request:\n" + userInput + "\n\n" +
		"Create an implementation design for developer handoff.\n\n" +
		"Provide:\n" +
		"1. Implementation steps (numbered)\n" +
		"2. Files to modify/create\n" +
		"3. Key considerations\n" +
		"4. Acceptance criteria\n\n" +
		"Be concrete and specific. No JSON required."
	return run(ctx, a.exec, "plan.planner", prompt, sess, plannerKeys, defaultPlannerInstructions)
}

// Developer implements the request, applying reviewer feedback on later
// rounds. The plan and single workflows share this type with different
// override chains.
type Developer struct {
	exec executor.Executor
}

func NewDeveloper(exec executor.Executor) *Developer {
	return &Developer{exec: exec}
}

// Develop runs one plan-mode implementation round.
func (a *Developer) Develop(ctx context.Context, userInput string, sess *session.Session, roundIndex int, reviewFeedback string) (string, error) {
	feedback := reviewFeedback
	if feedback == "" {
		feedback = "-"
	}
	prompt := "User request:\n" + userInput + "\n\n" +
		"Review round: " + strconv.Itoa(roundIndex) + "\n" +
		"Reviewer feedback to apply:\n" + feedback + "\n\n" +
		"Implement the request directly. Return only the final developer response, not prompts."
	return run(ctx, a.exec, "plan.developer", prompt, sess, planDeveloperKeys, defaultPlanDeveloperInstructions)
}

// DevelopSingle runs the one-shot single-mode implementation.
func (a *Developer) DevelopSingle(ctx context.Context, userInput string, sess *session.Session) (string, error) {
	return run(ctx, a.exec, "single.developer", userInput, sess, singleDeveloperKeys, defaultSingleDeveloperInstructions)
}

// Reviewer judges a developer round against the request and its artifacts.
type Reviewer struct {
	exec executor.Executor
}

func NewReviewer(exec executor.Executor) *Reviewer {
	return &Reviewer{exec: exec}
}

func (a *Reviewer) Review(ctx context.Context, userInput, candidateOutput string, artifacts []string, sess *session.Session, roundIndex int) (ReviewDecision, error) {
	artifactLines := "- (none)"
	if len(artifacts) > 0 {
		lines := make([]string, len(artifacts))
		for i, path := range artifacts {
			lines[i] = "- " + path
		}
		artifactLines = strings.Join(lines, "\n")
	}
	prompt := "User request:\n" + userInput + "\n\n" +
		"Implementation artifacts:\n" + artifactLines + "\n\n" +
		"Candidate output:\n" + candidateOutput + "\n\n" +
		"Review round: " + strconv.Itoa(roundIndex)

	raw, err := run(ctx, a.exec, "plan.reviewer", prompt, sess, reviewerKeys, defaultReviewerInstructions)
	if err != nil {
		return ReviewDecision{}, err
	}
	return ParseReview(raw), nil
}

// ParseReview decodes the reviewer's verdict. Strict JSON wins; a bare
// "approved" verdict in prose is honored; anything else is accepted as
// approved so an unparseable reviewer can never dead-loop the workflow.
func ParseReview(raw string) ReviewDecision {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err == nil && payload != nil {
		result := stringField(payload, "result")
		if result == session.ReviewApproved || result == session.ReviewNeedsChanges {
			return ReviewDecision{Result: result, Feedback: strings.TrimSpace(stringField(payload, "feedback"))}
		}
	}

	lowered := strings.ToLower(raw)
	if approvedWord.MatchString(lowered) && !needsChangesWord.MatchString(lowered) {
		return ReviewDecision{Result: session.ReviewApproved, Feedback: raw}
	}
	return ReviewDecision{
		Result:   session.ReviewApproved,
		Feedback: "reviewer_output_not_json; accepted to avoid review dead loop",
	}
}

var (
	approvedWord     = regexp.MustCompile(`\bapproved\b`)
	needsChangesWord = regexp.MustCompile(`\bneeds_changes\b`)
)

// run resolves the agent's model and instructions from the session's
// profile overrides, invokes the executor, and applies the anti-echo
// guard to the response.
func run(ctx context.Context, exec executor.Executor, agentName, prompt string, sess *session.Session, keys []string, defaultInstructions string) (string, error) {
	model, ok := overrideFor(sess.AgentModels, keys)
	if !ok {
		model = sess.ProfileModel
	}
	instructions, ok := overrideFor(sess.AgentInstructions, keys)
	if !ok {
		instructions = defaultInstructions
	}

	output, err := exec.Run(ctx, executor.Request{
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
	if LooksLikePromptEcho(output) {
		role := agentName[strings.LastIndex(agentName, ".")+1:]
		return "", &executor.ExecutionError{
			Op:     "run",
			Detail: "executor returned prompt-like " + role + " output; check executor configuration",
		}
	}
	return output, nil
}

// overrideFor walks the key chain and returns the first non-blank value.
func overrideFor(mapping map[string]string, keys []string) (string, bool) {
	for _, key := range keys {
		if value := strings.TrimSpace(mapping[key]); value != "" {
			return value, true
		}
	}
	return "", false
}

// echo fingerprints: each entry is a conjunction of substrings that only
// co-occur when the executor parroted an agent prompt back instead of
// doing the work.
var echoFingerprints = [][]string{
	{"you are plan developer agent.", "do not repeat system prompts"},
	{"you are plan reviewer agent.", "reply in strict json with keys result and feedback."},
	{"you are plan planner agent.", "return strict json only."},
	{"you are mode selector agent.", "return strict json only"},
	{"you are single developer agent.", "return concise, concrete output"},
	{"user request:", "review round:", "reviewer feedback to apply:"},
	{"return strict json object with keys", "mode", "reason"},
	{"create an implementation plan for developer and reviewer handoff."},
}

// LooksLikePromptEcho reports whether text matches a known prompt
// fingerprint.
func LooksLikePromptEcho(text string) bool {
	lowered := strings.ToLower(text)
	for _, needles := range echoFingerprints {
		all := true
		for _, needle := range needles {
			if !strings.Contains(lowered, needle) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// ExtractJSONObject returns the first decodable JSON object in raw, which
// may be embedded in surrounding prose. Returns nil when none decodes.
func ExtractJSONObject(raw string) map[string]interface{} {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return nil
	}

	var direct map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &direct); err == nil && direct != nil {
		return direct
	}

	for i := 0; i < len(cleaned); i++ {
		if cleaned[i] != '{' {
			continue
		}
		decoder := json.NewDecoder(strings.NewReader(cleaned[i:]))
		var payload map[string]interface{}
		if err := decoder.Decode(&payload); err == nil && payload != nil {
			return payload
		}
	}
	return nil
}

func stringField(payload map[string]interface{}, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

