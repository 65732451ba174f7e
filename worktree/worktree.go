// Package worktree provisions and tears down the per-task git worktrees
// that host a running agent, and seeds them with shared project
// configuration before the agent process starts.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/hexonal/splitmind/log"
)

const (
	// AgentConfigFile is the project-level file copied into every worktree.
	AgentConfigFile = "CLAUDE.md"
	// AgentConfigDir is the project-level folder copied into every worktree.
	AgentConfigDir = ".claude"
)

// TrunkBranch is the name trunk must carry, per the repository requirements.
const TrunkBranch = "main"

// Handle describes a provisioned worktree.
type Handle struct {
	RepoRoot      string
	Branch        string
	Path          string
	BaseBranch    string
	BaseCommitSHA string
}

// SetupResult is the captured output of one setup command.
type SetupResult struct {
	Command  string
	Output   string
	ExitCode int
	Err      error
}

// Manager provisions worktrees rooted at a single project repository.
type Manager struct {
	RepoRoot string
}

func NewManager(repoRoot string) *Manager {
	return &Manager{RepoRoot: repoRoot}
}

func (m *Manager) worktreePath(branch string) string {
	return filepath.Join(m.RepoRoot, "worktrees", branch)
}

// Provision creates (or re-attaches to) the worktree for branch, based on
// baseBranch when the branch does not yet exist. baseBranch is the caller's
// already-resolved choice (the branch of the most recently merged task
// among initialization_deps, or TrunkBranch).
func (m *Manager) Provision(branch, baseBranch string) (*Handle, error) {
	repo, err := git.PlainOpen(m.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	worktreesDir := filepath.Join(m.RepoRoot, "worktrees")
	if err := os.MkdirAll(worktreesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	path := m.worktreePath(branch)
	// A tick may re-provision a task whose worktree already exists (e.g.
	// scheduler restart mid-run); treat that as success rather than fail.
	if _, err := os.Stat(path); err == nil {
		sha, _ := m.runGit(m.RepoRoot, "rev-parse", "HEAD")
		return &Handle{RepoRoot: m.RepoRoot, Branch: branch, Path: path, BaseBranch: baseBranch, BaseCommitSHA: strings.TrimSpace(sha)}, nil
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, false); err == nil {
		if _, err := m.runGit(m.RepoRoot, "worktree", "add", path, branch); err != nil {
			return nil, fmt.Errorf("failed to create worktree from existing branch %s: %w", branch, err)
		}
		return &Handle{RepoRoot: m.RepoRoot, Branch: branch, Path: path, BaseBranch: baseBranch}, nil
	}

	baseSHA, err := m.runGit(m.RepoRoot, "rev-parse", baseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch %s: %w", baseBranch, err)
	}
	baseSHA = strings.TrimSpace(baseSHA)

	if _, err := m.runGit(m.RepoRoot, "worktree", "add", "-b", branch, path, baseSHA); err != nil {
		return nil, fmt.Errorf("failed to create worktree for branch %s from %s: %w", branch, baseBranch, err)
	}

	return &Handle{RepoRoot: m.RepoRoot, Branch: branch, Path: path, BaseBranch: baseBranch, BaseCommitSHA: baseSHA}, nil
}

// SeedAgentConfig copies the project-level agent configuration file and
// folder into the worktree root, replacing any existing copies.
func (m *Manager) SeedAgentConfig(h *Handle) error {
	srcFile := filepath.Join(m.RepoRoot, AgentConfigFile)
	if info, err := os.Stat(srcFile); err == nil && !info.IsDir() {
		if err := copyFile(srcFile, filepath.Join(h.Path, AgentConfigFile)); err != nil {
			return fmt.Errorf("failed to seed %s: %w", AgentConfigFile, err)
		}
	}

	srcDir := filepath.Join(m.RepoRoot, AgentConfigDir)
	if info, err := os.Stat(srcDir); err == nil && info.IsDir() {
		dstDir := filepath.Join(h.Path, AgentConfigDir)
		if err := os.RemoveAll(dstDir); err != nil {
			return fmt.Errorf("failed to clear existing %s: %w", AgentConfigDir, err)
		}
		if err := copyDir(srcDir, dstDir); err != nil {
			return fmt.Errorf("failed to seed %s: %w", AgentConfigDir, err)
		}
	}

	return nil
}

// RunSetupCommands runs the task's declared setup commands in the worktree
// root. A non-zero exit is logged but never returned as a fatal error: the
// spawn proceeds regardless (the agent may still self-recover).
func (m *Manager) RunSetupCommands(h *Handle, commands []string) []SetupResult {
	results := make([]SetupResult, 0, len(commands))
	for _, c := range commands {
		if strings.TrimSpace(c) == "" {
			continue
		}
		cmd := exec.Command("sh", "-c", c)
		cmd.Dir = h.Path
		start := time.Now()
		out, err := cmd.CombinedOutput()
		res := SetupResult{Command: c, Output: string(out)}
		if err != nil {
			res.Err = err
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.ExitCode = -1
			}
			log.WarningLog.Printf("setup command %q in %s exited non-zero after %s: %v\n%s", c, h.Branch, time.Since(start), err, out)
		}
		results = append(results, res)
	}
	return results
}

// Cleanup removes the worktree and its branch after a successful merge, and
// prunes stale worktree administrative entries.
func (m *Manager) Cleanup(h *Handle) error {
	var errs []string

	if _, err := os.Stat(h.Path); err == nil {
		if _, err := m.runGit(m.RepoRoot, "worktree", "remove", "-f", h.Path); err != nil {
			errs = append(errs, err.Error())
		}
	}

	repo, err := git.PlainOpen(m.RepoRoot)
	if err == nil {
		branchRef := plumbing.NewBranchReferenceName(h.Branch)
		if _, err := repo.Reference(branchRef, false); err == nil {
			if err := repo.Storer.RemoveReference(branchRef); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if err := m.Prune(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("worktree cleanup for %s: %s", h.Branch, strings.Join(errs, "; "))
	}
	return nil
}

// Prune removes stale worktree administrative entries.
func (m *Manager) Prune() error {
	if _, err := m.runGit(m.RepoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// CommitsAheadOfMain reports whether branch has at least one commit not
// reachable from main — used by the scheduler's completion/failure signal.
func (m *Manager) CommitsAheadOfMain(branch string) (bool, error) {
	out, err := m.runGit(m.RepoRoot, "rev-list", "--count", fmt.Sprintf("%s..%s", TrunkBranch, branch))
	if err != nil {
		return false, err
	}
	out = strings.TrimSpace(out)
	return out != "" && out != "0", nil
}

func (m *Manager) runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, log.SanitizeURLs(string(out)))
	}
	return string(out), nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}
