// Package supervisor launches, names, inspects, and kills the detached
// shell sessions that host agent processes.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hexonal/splitmind/log"
)

// sessionPrefix namespaces tmux sessions owned by this orchestrator so
// CleanupSessions never touches an unrelated session on the same host.
const sessionPrefix = "splitmind_"

var sanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-]+`)

func tmuxName(session string) string {
	return sessionPrefix + sanitizer.ReplaceAllString(session, "_")
}

// Supervisor starts and supervises one tmux session per in-progress task.
type Supervisor struct {
	statusDir string
}

func New(statusDir string) (*Supervisor, error) {
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	return &Supervisor{statusDir: statusDir}, nil
}

// Start creates a detached tmux session named per SessionName, running the
// generated wrapper script in workDir. Session name collisions are
// rejected rather than silently reused.
func (s *Supervisor) Start(spec SpawnSpec, workDir string) error {
	spec.StatusFileDir = s.statusDir
	name := tmuxName(spec.SessionName)

	if s.hasSession(name) {
		return fmt.Errorf("session name collision: %s", spec.SessionName)
	}

	scriptPath := filepath.Join(workDir, ".splitmind-wrapper.sh")
	if err := os.WriteFile(scriptPath, []byte(wrapperScript(spec)), 0755); err != nil {
		return fmt.Errorf("failed to write wrapper script: %w", err)
	}

	// Reset any stale status file from a previous occupant of this name.
	_ = os.Remove(spec.StatusFilePath())

	cmd := exec.Command("tmux", "new-session", "-d", "-s", name, "-c", workDir, "sh", scriptPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start session %s: %w: %s", spec.SessionName, err, out)
	}

	return nil
}

// ListSessions returns the session names (unprefixed) currently alive.
func (s *Supervisor) ListSessions() ([]string, error) {
	out, err := exec.Command("tmux", "ls", "-F", "#{session_name}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil // no tmux server running: no sessions
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.HasPrefix(line, sessionPrefix) {
			names = append(names, strings.TrimPrefix(line, sessionPrefix))
		}
	}
	return names, nil
}

// HasSession reports whether session is currently live. Falls back to a
// prefix match against the sanitized name when an exact match is absent,
// since the underlying supervisor may truncate long names. A prefix match
// is accepted as is: the session's branch is not checked.
func (s *Supervisor) HasSession(session string) bool {
	return s.hasSession(tmuxName(session))
}

func (s *Supervisor) hasSession(tmuxSessionName string) bool {
	if err := exec.Command("tmux", "has-session", "-t="+tmuxSessionName).Run(); err == nil {
		return true
	}
	names, err := s.ListSessions()
	if err != nil {
		return false
	}
	for _, n := range names {
		if strings.HasPrefix(tmuxName(n), tmuxSessionName) {
			return true
		}
	}
	return false
}

// CaptureTail returns the last n lines of the session's pane content, for
// diagnostics.
func (s *Supervisor) CaptureTail(session string, n int) (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-p", "-t", tmuxName(session), "-S", fmt.Sprintf("-%d", n)).Output()
	if err != nil {
		return "", fmt.Errorf("failed to capture pane for %s: %w", session, err)
	}
	return string(out), nil
}

// Kill terminates the session, if present.
func (s *Supervisor) Kill(session string) error {
	if !s.HasSession(session) {
		return nil
	}
	if err := exec.Command("tmux", "kill-session", "-t", tmuxName(session)).Run(); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", session, err)
	}
	return nil
}

// StatusSentinel reflects the terminal state written by the session's
// wrapper script, or absence if the file has not been created (or reaped)
// yet.
type StatusSentinel int

const (
	StatusAbsent StatusSentinel = iota
	StatusRunning
	StatusCompleted
)

// ReadStatus reads the per-session status sentinel file.
func (s *Supervisor) ReadStatus(session string) StatusSentinel {
	path := (SpawnSpec{SessionName: session, StatusFileDir: s.statusDir}).StatusFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		return StatusAbsent
	}
	switch strings.TrimSpace(string(data)) {
	case "COMPLETED":
		return StatusCompleted
	case "RUNNING":
		return StatusRunning
	default:
		return StatusAbsent
	}
}

// ClearStatus removes the status sentinel after reap.
func (s *Supervisor) ClearStatus(session string) {
	path := (SpawnSpec{SessionName: session, StatusFileDir: s.statusDir}).StatusFilePath()
	_ = os.Remove(path)
}

// CleanupSessions kills every session this orchestrator owns, identified
// by sessionPrefix. Used by the reset command.
func CleanupSessions() error {
	out, err := exec.Command("tmux", "ls", "-F", "#{session_name}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("failed to list tmux sessions: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if !strings.HasPrefix(line, sessionPrefix) {
			continue
		}
		log.InfoLog.Printf("cleaning up session: %s", line)
		if err := exec.Command("tmux", "kill-session", "-t", line).Run(); err != nil {
			return fmt.Errorf("failed to kill session %s: %w", line, err)
		}
	}
	return nil
}
