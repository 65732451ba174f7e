package supervisor

import (
	"fmt"
	"strings"
)

// SpawnSpec carries everything needed to name a session, generate its
// wrapper script, and build the coordination preamble for its prompt.
type SpawnSpec struct {
	ProjectID         string
	SessionName       string // "<task_id>-<project_id>"
	TaskID            string
	Branch            string
	TaskTitle         string
	Program           string // external agent process, e.g. "claude"
	Prompt            string // task's custom prompt, if any
	CoordinationAddr  string // value of the coordination_endpoint config
	StatusFileDir     string
}

// SessionName derives the supervised-session name for a task, per the
// naming rule in the external-interfaces section: "<task_id>-<project_id>".
func SessionName(taskID, projectID string) string {
	return fmt.Sprintf("%s-%s", taskID, projectID)
}

// StatusFilePath returns the per-session status sentinel path.
func (s SpawnSpec) StatusFilePath() string {
	return fmt.Sprintf("%s/%s.status", strings.TrimRight(s.StatusFileDir, "/"), s.SessionName)
}

// coordinationPreamble is the mandatory instruction block prepended to
// every agent prompt instructing it to register, heartbeat, lock files
// before editing, share interfaces, and call mark_task_completed as its
// final action. It is prepended even when the task supplies a custom
// prompt; the custom prompt is appended after it.
func coordinationPreamble(s SpawnSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# MANDATORY: Agent Coordination Protocol\n\n")
	fmt.Fprintf(&b, "You are one of several AI agents working in parallel on this repository. ")
	fmt.Fprintf(&b, "You MUST coordinate with the others through the coordination tools before and while editing files.\n\n")

	fmt.Fprintf(&b, "## First action — register\n\n")
	fmt.Fprintf(&b, "register_agent(%q, %q, %q, %q, %q)\n\n", s.ProjectID, s.SessionName, s.TaskID, s.Branch, s.TaskTitle)
	fmt.Fprintf(&b, "If this fails, stop and report: \"ERROR: cannot reach the coordination server\".\n\n")

	fmt.Fprintf(&b, "## Before editing any file\n\n")
	fmt.Fprintf(&b, "announce_file_change(%q, %q, \"<path>\", \"modify\"|\"create\"|\"delete\")\n", s.ProjectID, s.SessionName)
	fmt.Fprintf(&b, "release_file_lock(%q, %q, \"<path>\")  # after you are done with that file\n\n", s.ProjectID, s.SessionName)

	fmt.Fprintf(&b, "## While working\n\n")
	fmt.Fprintf(&b, "- Share interfaces or contracts you introduce: register_interface(%q, %q, \"<name>\", \"<definition>\")\n", s.ProjectID, s.SessionName)
	fmt.Fprintf(&b, "- Send a heartbeat every 30-60 seconds: heartbeat(%q, %q)\n", s.ProjectID, s.SessionName)
	fmt.Fprintf(&b, "- Check your inbox periodically: check_messages(%q, %q)\n\n", s.ProjectID, s.SessionName)

	fmt.Fprintf(&b, "## Final action — when your task is done\n\n")
	fmt.Fprintf(&b, "mark_task_completed(%q, %q, %q)\n\n", s.ProjectID, s.SessionName, s.TaskID)

	fmt.Fprintf(&b, "## Your actual task\n\n")
	if s.Prompt != "" {
		b.WriteString(s.Prompt)
	} else {
		fmt.Fprintf(&b, "%s\n", s.TaskTitle)
	}
	return b.String()
}

// BuildPrompt returns the final prompt delivered to the agent process: the
// mandatory preamble followed by the task's own prompt.
func BuildPrompt(s SpawnSpec) string {
	return coordinationPreamble(s)
}

// wrapperScript renders the shell script the supervised session runs. It
// installs ecosystem-appropriate dependencies if lockfiles are present,
// exports the coordination environment variables, invokes the agent
// process with the augmented prompt, and writes the terminal COMPLETED
// sentinel to the status file on any exit (an EXIT trap, with HUP, INT
// and TERM turned into an exit).
func wrapperScript(s SpawnSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -u\n\n")
	fmt.Fprintf(&b, "STATUS_FILE=%q\n", s.StatusFilePath())
	b.WriteString(`echo RUNNING > "$STATUS_FILE"` + "\n")
	b.WriteString(`trap 'echo COMPLETED > "$STATUS_FILE"' EXIT` + "\n")
	b.WriteString("trap 'exit 1' HUP INT TERM\n\n")

	b.WriteString("if [ -f package-lock.json ] || [ -f package.json ]; then npm install --silent || true; fi\n")
	b.WriteString("if [ -f pnpm-lock.yaml ]; then pnpm install --silent || true; fi\n")
	b.WriteString("if [ -f go.sum ]; then go mod download || true; fi\n")
	b.WriteString("if [ -f requirements.txt ]; then pip install -q -r requirements.txt || true; fi\n\n")

	fmt.Fprintf(&b, "export PROJECT_ID=%q\n", s.ProjectID)
	fmt.Fprintf(&b, "export SESSION_NAME=%q\n", s.SessionName)
	fmt.Fprintf(&b, "export TASK_ID=%q\n", s.TaskID)
	fmt.Fprintf(&b, "export BRANCH=%q\n", s.Branch)
	fmt.Fprintf(&b, "export TASK_TITLE=%q\n", s.TaskTitle)
	if s.CoordinationAddr != "" {
		fmt.Fprintf(&b, "export COORDINATION_ENDPOINT=%q\n", s.CoordinationAddr)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "PROMPT_FILE=$(mktemp)\n")
	fmt.Fprintf(&b, "cat > \"$PROMPT_FILE\" <<'SPLITMIND_PROMPT_EOF'\n%s\nSPLITMIND_PROMPT_EOF\n\n", BuildPrompt(s))
	fmt.Fprintf(&b, "%s --print \"$(cat \"$PROMPT_FILE\")\"\n\n", s.Program)

	b.WriteString(`echo COMPLETED > "$STATUS_FILE"` + "\n")
	return b.String()
}
