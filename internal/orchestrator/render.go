package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zulandar/stationmaster/internal/session"
)

func (o *Orchestrator) renderHelp(mode string) string {
	return strings.Join([]string{
		"[Commands]:",
		"/start",
		o.modeUsage(),
		"/new",
		"/status",
		"/profile list|<name>",
		"/cancel",
		"plain text -> codex",
		"",
		"[Current]:",
		"mode=" + mode,
		"working_directory=" + resolveWorkingDirectory(o.opts.WorkingDirectory),
	}, "\n")
}

func (o *Orchestrator) renderStatus(ctx context.Context, sess *session.Session) string {
	lines := []string{
		"[Status]:",
		"mode=" + sess.Mode,
		fmt.Sprintf("profile=%s, model=%s, working_directory=%s",
			sess.ProfileName, orDash(sess.ProfileModel), orDash(sess.ProfileWorkingDirectory)),
	}

	if sess.LastRunLatencyMS > 0 {
		lines = append(lines, fmt.Sprintf("last_run=%s (%dms)", sess.LastRunStatus, sess.LastRunLatencyMS))
	} else {
		lines = append(lines, "last_run="+sess.LastRunStatus)
	}

	switch sess.Mode {
	case session.ModePlan:
		lines = append(lines, fmt.Sprintf("plan_review=rounds=%d/%d, result=%s",
			sess.LastReviewRound, o.opts.MaxReviewRounds, orDash(sess.LastReviewResult)))
	case session.ModeSingle:
		lines = append(lines, "single_run=direct")
	case session.ModeMulti:
		lines = append(lines, "multi_run=roles")
	}

	lines = append(lines, "executor="+o.executorState(ctx))
	lines = append(lines, "last_error="+orDash(sess.LastError))
	return strings.Join(lines, "\n")
}

// executorState probes the executor without running anything.
func (o *Orchestrator) executorState(ctx context.Context) string {
	if o.opts.Exec == nil {
		return "unknown"
	}
	if err := o.opts.Exec.Warmup(ctx); err != nil {
		return "unavailable"
	}
	return "ready"
}

func (o *Orchestrator) renderProfileList(sess *session.Session) string {
	defaultName := o.opts.Profiles.DefaultName()
	lines := []string{"[Profiles]:"}
	for _, name := range o.opts.Profiles.Names() {
		p, ok := o.opts.Profiles.Get(name)
		if !ok {
			continue
		}
		prefix := "-"
		if p.Name == sess.ProfileName {
			prefix = "*"
		}
		suffix := ""
		if p.Name == defaultName {
			suffix = " (default)"
		}
		lines = append(lines, fmt.Sprintf("%s %s%s: model=%s, working_directory=%s",
			prefix, p.Name, suffix, orDash(p.Model), orDash(p.WorkingDirectory)))
	}
	return strings.Join(lines, "\n")
}

func resolveWorkingDirectory(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	if abs, err := filepath.Abs(candidate); err == nil {
		return abs
	}
	return candidate
}
