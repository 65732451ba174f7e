// Package mergequeue is MQ: the single-writer path into trunk. It serializes
// merges behind one lock, gates each on dependency and live-lock state, and
// applies a small whitelist of structured conflict resolvers before falling
// back to "prefer branch-side" for everything else.
package mergequeue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hexonal/splitmind/coordination"
	"github.com/hexonal/splitmind/eventbus"
	"github.com/hexonal/splitmind/log"
	"github.com/hexonal/splitmind/task"
	"github.com/hexonal/splitmind/worktree"
)

// NegotiationTimeout bounds how long MQ waits for a lock holder's reply
// before deferring the task to the next drain (§5 "Negotiation messages
// use a bounded timeout (≤10 s)").
const NegotiationTimeout = 10 * time.Second

// affirmativePhrases are the deterministic, non-LLM phrase list a
// negotiation reply is checked against (§12's "allow-list matcher").
var affirmativePhrases = []string{"done", "finished", "released", "go ahead"}

// Queue holds tasks ready for merge, ordered by (merge_order asc, priority desc).
type Queue struct {
	repoRoot  string
	projectID string

	tasks *task.Store
	cs    *coordination.Store
	wt    *worktree.Manager
	bus   *eventbus.Bus

	mu      sync.Mutex
	pending []*task.Task
}

// New constructs a merge queue for one project.
func New(repoRoot, projectID string, tasks *task.Store, cs *coordination.Store, wt *worktree.Manager, bus *eventbus.Bus) *Queue {
	return &Queue{repoRoot: repoRoot, projectID: projectID, tasks: tasks, cs: cs, wt: wt, bus: bus}
}

// Enqueue appends a completed task and re-sorts the queue.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.pending {
		if existing.TaskID == t.TaskID {
			return
		}
	}
	q.pending = append(q.pending, t)
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.MergeOrder != b.MergeOrder {
			return a.MergeOrder < b.MergeOrder
		}
		return a.Priority > b.Priority
	})
}

// Process drains the queue once: for each queued task in order, under the
// exclusive merge lock, attempt dependency gate → live-lock gate → merge →
// conflict resolution → cleanup. byID is the caller's current task-id index
// (§4.5(e) "ask MQ to process its queue with the current task list").
func (q *Queue) Process(ctx context.Context, byID map[int]*task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.pending[:0]
	for _, t := range q.pending {
		if q.processOne(ctx, t, byID) {
			continue // merged: drop from the queue
		}
		remaining = append(remaining, t) // skipped: retry on the next drain
	}
	q.pending = remaining
}

// processOne returns true if t was merged (and should leave the queue).
func (q *Queue) processOne(ctx context.Context, t *task.Task, byID map[int]*task.Task) bool {
	if !task.DependenciesMerged(t, byID) {
		return false
	}

	changed, err := q.changedFiles(t.Branch)
	if err != nil {
		log.ErrorLog.Printf("mergequeue: failed to list changed files for %s: %v", t.Branch, err)
		return false
	}
	for _, path := range changed {
		if !q.negotiateLock(ctx, t, path) {
			return false
		}
	}

	if err := q.merge(t); err != nil {
		log.WarningLog.Printf("mergequeue: merge of %s failed: %v", t.Branch, err)
		q.bus.Publish(eventbus.MergeFailed, q.projectID, map[string]string{"task_id": t.ID, "error": err.Error()})
		return false
	}

	now := time.Now()
	if _, err := q.tasks.Update(t.TaskID, task.Patch{
		Status:   statusPtr(task.StatusMerged),
		MergedAt: &now,
	}); err != nil {
		log.ErrorLog.Printf("mergequeue: failed to mark task %d merged: %v", t.TaskID, err)
	}

	if t.Session != "" {
		handle := &worktree.Handle{
			RepoRoot: q.repoRoot,
			Branch:   t.Branch,
			Path:     filepath.Join(q.repoRoot, "worktrees", t.Branch),
		}
		if err := q.wt.Cleanup(handle); err != nil {
			log.WarningLog.Printf("mergequeue: worktree cleanup for %s failed: %v", t.Branch, err)
		}
		if err := q.cs.ReleaseLocksForSession(ctx, q.projectID, t.Session); err != nil {
			log.WarningLog.Printf("mergequeue: failed to release locks for %s: %v", t.Session, err)
		}
		if err := q.cs.SetAgentStatus(ctx, q.projectID, t.Session, "merged"); err != nil {
			log.WarningLog.Printf("mergequeue: failed to set agent status for %s: %v", t.Session, err)
		}
	}

	q.bus.Publish(eventbus.TaskMerged, q.projectID, map[string]any{"task_id": t.ID, "branch": t.Branch})
	return true
}

func statusPtr(s task.Status) *task.Status { return &s }

// negotiateLock checks whether path is held by another live session and,
// if so, asks it to finish via a query message, returning true if the
// merge may proceed (lock free, or holder affirmed completion in time).
func (q *Queue) negotiateLock(ctx context.Context, t *task.Task, path string) bool {
	lock, err := q.cs.GetFileLock(ctx, q.projectID, path)
	if err != nil {
		return true // no lock on this path
	}
	if lock.SessionName == t.Session {
		return true
	}

	agent, err := q.cs.GetAgent(ctx, q.projectID, lock.SessionName)
	if err != nil || !agent.Alive(time.Now()) {
		return true // holder not live; stale lock will be swept separately
	}

	correlationID := fmt.Sprintf("mq-%s-%d", t.Branch, time.Now().UnixNano())
	if err := q.cs.SendMessage(ctx, coordination.Message{
		ProjectID:        q.projectID,
		RecipientSession: lock.SessionName,
		SenderSession:    "merge-queue",
		Type:             "query",
		Body:             fmt.Sprintf("Merging %s touches %s, which you hold a lock on. Status?", t.Branch, path),
		CorrelationID:    correlationID,
	}); err != nil {
		return false
	}
	q.bus.Publish(eventbus.CoordinationUpdate, q.projectID, map[string]string{
		"kind": "negotiation_started", "task_id": t.ID, "path": path, "holder": lock.SessionName,
	})

	deadline := time.Now().Add(NegotiationTimeout)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = NegotiationTimeout

	var affirmed bool
	poll := func() error {
		msgs, err := q.cs.CheckMessages(ctx, q.projectID, "merge-queue")
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.CorrelationID != correlationID {
				continue
			}
			if isAffirmative(m.Body) {
				affirmed = true
				return nil
			}
			return fmt.Errorf("held: %s", m.Body)
		}
		if time.Now().After(deadline) {
			return backoff.Permanent(fmt.Errorf("negotiation timed out"))
		}
		return fmt.Errorf("no reply yet")
	}
	_ = backoff.Retry(poll, b)
	q.bus.Publish(eventbus.CoordinationUpdate, q.projectID, map[string]any{
		"kind": "negotiation_resolved", "task_id": t.ID, "path": path, "holder": lock.SessionName, "affirmed": affirmed,
	})
	return affirmed
}

func isAffirmative(body string) bool {
	lower := strings.ToLower(body)
	for _, phrase := range affirmativePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// changedFiles lists paths that differ between main's tip tree and
// branch's tip tree, via go-git's object diff rather than shelling out to
// `git diff --name-only` (§11's "typed values" preference for MQ).
func (q *Queue) changedFiles(branch string) ([]string, error) {
	repo, err := git.PlainOpen(q.repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	mainRef, err := repo.Reference(plumbing.NewBranchReferenceName(worktree.TrunkBranch), true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", worktree.TrunkBranch, err)
	}
	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", branch, err)
	}

	mainTree, err := treeFor(repo, mainRef.Hash())
	if err != nil {
		return nil, err
	}
	branchTree, err := treeFor(repo, branchRef.Hash())
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(mainTree, branchTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := map[string]struct{}{}
	var out []string
	for _, c := range changes {
		for _, path := range []string{c.From.Name, c.To.Name} {
			if path == "" {
				continue
			}
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				out = append(out, path)
			}
		}
	}
	return out, nil
}

func treeFor(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit: %w", err)
	}
	return commit.Tree()
}

// merge performs the actual trunk mutation: checkout main, fast-forward
// from origin if one is configured, merge --no-ff, and resolve conflicts
// per §4.6.1. go-git has no merge porcelain with conflict resolution, so
// this shells out to the git CLI — the same split WM makes for worktree
// commands go-git doesn't implement.
func (q *Queue) merge(t *task.Task) error {
	if _, err := q.runGit("checkout", worktree.TrunkBranch); err != nil {
		return err
	}
	if _, err := q.runGit("fetch", "origin", worktree.TrunkBranch); err == nil {
		_, _ = q.runGit("merge", "--ff-only", "origin/"+worktree.TrunkBranch)
	}

	_, mergeErr := q.runGit("merge", "--no-ff", "--no-commit", t.Branch)
	if mergeErr == nil {
		_, err := q.runGit("commit", "-m", fmt.Sprintf("Merge %s (task %s)", t.Branch, t.ID))
		return err
	}

	conflicted, err := q.conflictedFiles()
	if err != nil {
		q.abort()
		return fmt.Errorf("merge conflicted and conflict list unavailable: %w", err)
	}

	for _, path := range conflicted {
		if err := q.resolveConflict(path, t.Branch); err != nil {
			q.abort()
			return fmt.Errorf("resolver failed for %s: %w", path, err)
		}
	}

	_, err = q.runGit("commit", "-m", fmt.Sprintf("Merge %s (task %s, resolved conflicts)", t.Branch, t.ID))
	return err
}

func (q *Queue) abort() {
	_, _ = q.runGit("merge", "--abort")
}

func (q *Queue) conflictedFiles() ([]string, error) {
	out, err := q.runGit("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			files = append(files, l)
		}
	}
	return files, nil
}

// resolveConflict applies a whitelisted structured resolver if one exists
// for path's basename, otherwise falls back to "prefer theirs" (the
// merging branch wins).
func (q *Queue) resolveConflict(path, branch string) error {
	resolve, whitelisted := resolvers[filepath.Base(path)]
	if !whitelisted {
		if _, err := q.runGit("checkout", "--theirs", path); err != nil {
			return err
		}
		_, err := q.runGit("add", path)
		return err
	}

	base, _ := q.runGit("show", ":1:"+path)
	ours, _ := q.runGit("show", ":2:"+path)
	theirs, _ := q.runGit("show", ":3:"+path)

	resolved, err := resolve(base, ours, theirs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(q.repoRoot, path), []byte(resolved), 0644); err != nil {
		return fmt.Errorf("failed to write resolved %s: %w", path, err)
	}
	_, err = q.runGit("add", path)
	return err
}

func (q *Queue) runGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = q.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, log.SanitizeURLs(string(out)))
	}
	return string(out), nil
}
