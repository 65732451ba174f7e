// Package task is the canonical, on-disk list of tasks for a single
// project: their status, branch, dependencies, priority, merge order,
// file-ownership hints, and optional custom prompt.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a task's position in the five-state lifecycle.
type Status string

const (
	StatusUnclaimed  Status = "unclaimed"
	StatusUpNext     Status = "up_next"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusMerged     Status = "merged"
)

// nextStatus enumerates the forward DAG edges; rollback (in_progress ->
// up_next) is handled separately by the scheduler's failure-detection path
// and is intentionally not part of this table.
var nextStatus = map[Status]Status{
	StatusUnclaimed:  StatusUpNext,
	StatusUpNext:     StatusInProgress,
	StatusInProgress: StatusCompleted,
	StatusCompleted:  StatusMerged,
}

// Sentinel errors surfaced by the store and its callers.
var (
	ErrNotFound       = errors.New("task: not found")
	ErrIOFailure      = errors.New("task: io failure")
	ErrCorruptTaskFile = errors.New("task: corrupt task file")
)

// DefaultPriority is used when a task omits priority; 1 is highest urgency,
// 10 is lowest, so "absent" means "least urgent".
const DefaultPriority = 10

// Template is a named starting point for Store.AddFromTemplate, covering the
// common shapes of task seen across a project (a supplemented feature: see
// SPEC_FULL.md §12).
type Template struct {
	Priority           int
	MergeOrder         int
	ExclusiveFiles     []string
	SharedFiles        []string
	InitializationDeps []int
	SetupCommands      []string
}

// Templates are the built-in named templates available to every project.
var Templates = map[string]Template{
	"backend-endpoint": {
		Priority:       5,
		MergeOrder:     10,
		ExclusiveFiles: []string{"api/routes.go"},
		SharedFiles:    []string{"api/types.go"},
	},
	"frontend-component": {
		Priority:   5,
		MergeOrder: 20,
	},
	"schema-migration": {
		Priority:       1,
		MergeOrder:     1,
		ExclusiveFiles: []string{"db/migrations"},
		SetupCommands:  []string{"go run ./cmd/migrate -up"},
	},
	"docs": {
		Priority:   9,
		MergeOrder: 90,
	},
}

// Task is one unit of work tracked by the store.
type Task struct {
	ID          string // stable string id; alias of TaskID as a string for map/ set use
	TaskID      int    // monotonically increasing per-project integer
	Title       string
	Description string
	Prompt      string // optional override of the generated prompt

	Branch string // derived as "task-<task_id>"; the only branch the agent may commit to
	Status Status
	Session string // supervised-session name while in_progress, else ""

	Dependencies        []int
	Priority            int
	MergeOrder          int
	ExclusiveFiles      []string
	SharedFiles         []string
	InitializationDeps  []int
	SetupCommands       []string // run in the worktree, in order, right after provisioning (§4.3 step 4)

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	MergedAt    *time.Time
}

// BranchFor derives the branch name for a given task_id, per the spec's
// naming rule.
func BranchFor(taskID int) string {
	return fmt.Sprintf("task-%d", taskID)
}

// sanitize replaces path/URL-unsafe separators in a field value so task
// identifiers derived from it remain safe for filesystem and URL use.
func sanitize(s string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", "&", "-")
	return r.Replace(s)
}

// dependenciesSatisfied reports whether every dependency id is merged or
// completed, per the promotion rule in §4.5(a). byID looks up a task by
// its integer id; a missing id (unknown dependency) is treated as
// permanently unsatisfied rather than an error, per the Open Questions
// resolution recorded in SPEC_FULL.md.
func dependenciesSatisfied(deps []int, byID map[int]*Task) bool {
	for _, id := range deps {
		dep, ok := byID[id]
		if !ok {
			return false
		}
		if dep.Status != StatusMerged && dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// DependenciesSatisfied is the exported form used by the scheduler.
func DependenciesSatisfied(t *Task, byID map[int]*Task) bool {
	return dependenciesSatisfied(t.Dependencies, byID)
}

// DependenciesMerged reports whether every dependency id is merged — the
// stricter gate the merge queue applies (completed is not enough).
func DependenciesMerged(t *Task, byID map[int]*Task) bool {
	for _, id := range t.Dependencies {
		dep, ok := byID[id]
		if !ok || dep.Status != StatusMerged {
			return false
		}
	}
	return true
}

// HasCycle reports whether starting from t's dependency graph (via byID)
// there is a cycle reachable from t.
func HasCycle(t *Task, byID map[int]*Task) bool {
	visited := map[int]int{} // 0=unseen 1=in-progress 2=done
	var visit func(id int) bool
	visit = func(id int) bool {
		switch visited[id] {
		case 1:
			return true
		case 2:
			return false
		}
		visited[id] = 1
		if cur, ok := byID[id]; ok {
			for _, dep := range cur.Dependencies {
				if visit(dep) {
					return true
				}
			}
		}
		visited[id] = 2
		return false
	}
	return visit(t.TaskID)
}

// FilesConflict reports whether two tasks may not run in_progress
// concurrently: their exclusive_files intersect, or either's
// exclusive_files intersects the other's shared_files.
func FilesConflict(a, b *Task) bool {
	ea, eb := toSet(a.ExclusiveFiles), toSet(b.ExclusiveFiles)
	sa, sb := toSet(a.SharedFiles), toSet(b.SharedFiles)
	return intersects(ea, eb) || intersects(ea, sb) || intersects(eb, sa)
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
