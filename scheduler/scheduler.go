// Package scheduler is SCH: the periodic tick loop that promotes tasks,
// spawns agents, detects completion and failure, and drains the merge
// queue. Blocking work (git, session start, disk I/O) runs on a worker
// pool so the tick loop itself never stalls.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hexonal/splitmind/coordination"
	"github.com/hexonal/splitmind/eventbus"
	"github.com/hexonal/splitmind/log"
	"github.com/hexonal/splitmind/mergequeue"
	"github.com/hexonal/splitmind/project"
	"github.com/hexonal/splitmind/supervisor"
	"github.com/hexonal/splitmind/task"
	"github.com/hexonal/splitmind/worktree"
)

// Config is the per-project tunables SCH needs, resolved by the caller from
// the layered global/project configuration (§10.3).
type Config struct {
	ProjectID           string
	RepoRoot            string
	TickInterval        time.Duration
	MaxConcurrentAgents int // global cap
	ProjectMaxAgents    int // project's own cap; target = min(the two)
	AgentProgram        string
	CoordinationAddr    string
	AutoMerge           bool

	// Projects and RegistryProjectID are optional: when set, SCH records
	// each spawned/retired session against the registered project so its
	// session list (and history) stay in sync with what's actually
	// running. Nil Projects disables tracking without otherwise changing
	// scheduling behavior.
	Projects          *project.ProjectManager
	RegistryProjectID string
}

func (c Config) target() int {
	if c.ProjectMaxAgents > 0 && c.ProjectMaxAgents < c.MaxConcurrentAgents {
		return c.ProjectMaxAgents
	}
	return c.MaxConcurrentAgents
}

// Scheduler drives one project's tick loop.
type Scheduler struct {
	cfg Config

	tasks *task.Store
	cs    *coordination.Store
	wt    *worktree.Manager
	ss    *supervisor.Supervisor
	mq    *mergequeue.Queue
	bus   *eventbus.Bus

	cyclesLogged sync.Map // task id -> struct{}, dependency-cycle log dedupe (§8 "once per cycle")
}

// New wires a scheduler for one project from its already-constructed
// components.
func New(cfg Config, tasks *task.Store, cs *coordination.Store, wt *worktree.Manager, ss *supervisor.Supervisor, mq *mergequeue.Queue, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{cfg: cfg, tasks: tasks, cs: cs, wt: wt, ss: ss, mq: mq, bus: bus}
}

// Run loops until ctx is cancelled, ticking at cfg.TickInterval. The stop
// signal is observed after the current tick completes and before the next
// sleep, per §5's cooperative-stop rule.
func (s *Scheduler) Run(ctx context.Context) error {
	s.bus.Publish(eventbus.OrchestratorStarted, s.cfg.ProjectID, nil)
	defer s.bus.Publish(eventbus.OrchestratorStopped, s.cfg.ProjectID, nil)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			log.ErrorLog.Printf("scheduler: tick failed for project %s: %v", s.cfg.ProjectID, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one full pass: queue management, spawning, completion
// detection, failure detection, and a merge-queue drain, in that order
// (§4.5 a–e).
func (s *Scheduler) Tick(ctx context.Context) error {
	all := s.tasks.List()
	byID := s.tasks.ByID()

	s.manageQueue(all, byID)
	if err := s.spawnAgents(ctx, all); err != nil {
		return fmt.Errorf("spawn phase: %w", err)
	}
	if err := s.detectCompletion(ctx); err != nil {
		return fmt.Errorf("completion phase: %w", err)
	}
	if err := s.detectFailure(ctx); err != nil {
		return fmt.Errorf("failure phase: %w", err)
	}

	s.mq.Process(ctx, s.tasks.ByID())
	s.publishCoordinationStats(ctx)
	return nil
}

// publishCoordinationStats emits a coordination_update event carrying CS's
// aggregate counts once per tick, since the stdio MCP servers that actually
// mutate CS run as separate per-session processes and have no handle on
// this process's event bus (§4.7's coordination_update, §4.2's
// coordination_stats).
func (s *Scheduler) publishCoordinationStats(ctx context.Context) {
	stats, err := s.cs.CoordinationStats(ctx, s.cfg.ProjectID)
	if err != nil {
		log.WarningLog.Printf("scheduler: failed to read coordination stats: %v", err)
		return
	}
	s.bus.Publish(eventbus.CoordinationUpdate, s.cfg.ProjectID, map[string]any{
		"kind":                  "stats",
		"active_agents":         stats.ActiveAgents,
		"open_file_locks":       stats.OpenFileLocks,
		"pending_messages":      stats.PendingMessages,
		"registered_interfaces": stats.RegisteredInterfaces,
	})
}

// manageQueue implements §4.5(a): promote unclaimed tasks whose
// dependencies are satisfied until target_up_next is reached, or demote
// surplus up_next tasks back to unclaimed.
func (s *Scheduler) manageQueue(all []*task.Task, byID map[int]*task.Task) {
	target := s.cfg.target()

	var upNext, unclaimed []*task.Task
	for _, t := range all {
		switch t.Status {
		case task.StatusUpNext:
			upNext = append(upNext, t)
		case task.StatusUnclaimed:
			if task.HasCycle(t, byID) {
				s.logCycleOnce(t.TaskID)
				continue
			}
			if task.DependenciesSatisfied(t, byID) {
				unclaimed = append(unclaimed, t)
			}
		}
	}

	if len(upNext) < target {
		sortByPriorityThenMergeOrderDesc(unclaimed)
		need := target - len(upNext)
		for i := 0; i < need && i < len(unclaimed); i++ {
			t := unclaimed[i]
			if _, err := s.tasks.Update(t.TaskID, task.Patch{Status: statusPtr(task.StatusUpNext)}); err != nil {
				log.ErrorLog.Printf("scheduler: failed to promote task %d: %v", t.TaskID, err)
				continue
			}
			s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{
				"task_id": t.ID, "from": task.StatusUnclaimed, "to": task.StatusUpNext,
			})
		}
	} else if len(upNext) > target {
		sortByPriorityThenMergeOrderDesc(upNext)
		surplus := upNext[target:]
		for _, t := range surplus {
			if _, err := s.tasks.Update(t.TaskID, task.Patch{Status: statusPtr(task.StatusUnclaimed)}); err != nil {
				log.ErrorLog.Printf("scheduler: failed to demote task %d: %v", t.TaskID, err)
				continue
			}
			s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{
				"task_id": t.ID, "from": task.StatusUpNext, "to": task.StatusUnclaimed,
			})
		}
	}
}

func (s *Scheduler) logCycleOnce(taskID int) {
	if _, loaded := s.cyclesLogged.LoadOrStore(taskID, struct{}{}); !loaded {
		log.ErrorLog.Printf("scheduler: task %d has a cyclic dependency; will never be promoted", taskID)
	}
}

// spawnAgents implements §4.5(b): pick non-conflicting up_next tasks, up to
// available capacity, and provision+start them on the worker pool.
func (s *Scheduler) spawnAgents(ctx context.Context, all []*task.Task) error {
	var upNext, inProgress []*task.Task
	for _, t := range all {
		switch t.Status {
		case task.StatusUpNext:
			upNext = append(upNext, t)
		case task.StatusInProgress:
			inProgress = append(inProgress, t)
		}
	}

	available := s.cfg.target() - len(inProgress)
	if available <= 0 {
		return nil
	}

	sortByPriorityThenMergeOrderDesc(upNext)

	running := append([]*task.Task{}, inProgress...)
	var toSpawn []*task.Task
	for _, candidate := range upNext {
		if len(toSpawn) >= available {
			break
		}
		if conflictsWithAny(candidate, running) {
			continue
		}
		toSpawn = append(toSpawn, candidate)
		running = append(running, candidate)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range toSpawn {
		t := t
		g.Go(func() error {
			return s.spawnOne(gctx, t)
		})
	}
	return g.Wait()
}

func conflictsWithAny(candidate *task.Task, running []*task.Task) bool {
	for _, r := range running {
		if task.FilesConflict(candidate, r) {
			return true
		}
	}
	return false
}

func (s *Scheduler) spawnOne(ctx context.Context, t *task.Task) error {
	baseBranch := s.resolveBaseBranch(t)

	handle, err := s.wt.Provision(t.Branch, baseBranch)
	if err != nil {
		log.ErrorLog.Printf("scheduler: failed to provision worktree for task %d: %v", t.TaskID, err)
		s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{"task_id": t.ID, "error": err.Error()})
		return nil // spawn failure: task stays up_next (§4.5(b))
	}
	if err := s.wt.SeedAgentConfig(handle); err != nil {
		log.WarningLog.Printf("scheduler: failed to seed agent config for task %d: %v", t.TaskID, err)
	}
	if len(t.SetupCommands) > 0 {
		for _, res := range s.wt.RunSetupCommands(handle, t.SetupCommands) {
			if res.Err != nil {
				log.WarningLog.Printf("scheduler: setup command %q failed for task %d (exit %d): %v", res.Command, t.TaskID, res.ExitCode, res.Err)
			}
		}
	}

	sessionName := supervisor.SessionName(t.ID, s.cfg.ProjectID)
	spec := supervisor.SpawnSpec{
		ProjectID:        s.cfg.ProjectID,
		SessionName:      sessionName,
		TaskID:           t.ID,
		Branch:           t.Branch,
		TaskTitle:        t.Title,
		Program:          s.cfg.AgentProgram,
		Prompt:           t.Prompt,
		CoordinationAddr: s.cfg.CoordinationAddr,
	}

	if err := s.ss.Start(spec, handle.Path); err != nil {
		log.ErrorLog.Printf("scheduler: failed to start session for task %d: %v", t.TaskID, err)
		s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{"task_id": t.ID, "error": err.Error()})
		return nil
	}

	if _, err := s.tasks.Update(t.TaskID, task.Patch{
		Status:  statusPtr(task.StatusInProgress),
		Session: &sessionName,
	}); err != nil {
		log.ErrorLog.Printf("scheduler: failed to record in_progress for task %d: %v", t.TaskID, err)
		return nil
	}

	s.trackSession(sessionName, true)

	s.bus.Publish(eventbus.AgentSpawned, s.cfg.ProjectID, map[string]any{"task_id": t.ID, "session": sessionName, "branch": t.Branch})
	s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{"task_id": t.ID, "from": task.StatusUpNext, "to": task.StatusInProgress})
	return nil
}

// trackSession records a session's birth or death against the registered
// project, if SCH was wired with one.
func (s *Scheduler) trackSession(session string, added bool) {
	if s.cfg.Projects == nil || session == "" {
		return
	}
	var err error
	if added {
		err = s.cfg.Projects.AddSessionToProject(s.cfg.RegistryProjectID, session)
	} else {
		err = s.cfg.Projects.RemoveSessionFromProject(s.cfg.RegistryProjectID, session)
	}
	if err != nil {
		log.WarningLog.Printf("scheduler: failed to update project registry for session %s: %v", session, err)
	}
}

// resolveBaseBranch implements §4.3 step 1: the branch of the most
// recently merged task among initialization_deps, else trunk.
func (s *Scheduler) resolveBaseBranch(t *task.Task) string {
	byID := s.tasks.ByID()
	var latest *task.Task
	for _, depID := range t.InitializationDeps {
		dep, ok := byID[depID]
		if !ok || dep.Status != task.StatusMerged || dep.MergedAt == nil {
			continue
		}
		if latest == nil || dep.MergedAt.After(*latest.MergedAt) {
			latest = dep
		}
	}
	if latest != nil {
		return latest.Branch
	}
	return worktree.TrunkBranch
}

// detectCompletion implements §4.5(c): for each in_progress task, check the
// three signals in priority order.
func (s *Scheduler) detectCompletion(ctx context.Context) error {
	for _, t := range s.tasks.List() {
		if t.Status != task.StatusInProgress {
			continue
		}

		completed := false

		if notice, found, err := s.cs.ConsumeCompletionNotice(ctx, s.cfg.ProjectID, t.ID); err == nil && found {
			completed = true
			_ = notice
		} else if t.Session != "" && s.ss.ReadStatus(t.Session) == supervisor.StatusCompleted {
			completed = true
		} else if t.Session != "" && !s.ss.HasSession(t.Session) {
			if ahead, err := s.wt.CommitsAheadOfMain(t.Branch); err == nil && ahead {
				completed = true
			}
		}

		if !completed {
			continue
		}

		now := time.Now()
		updated, err := s.tasks.Update(t.TaskID, task.Patch{Status: statusPtr(task.StatusCompleted), CompletedAt: &now})
		if err != nil {
			log.ErrorLog.Printf("scheduler: failed to mark task %d completed: %v", t.TaskID, err)
			continue
		}
		if t.Session != "" {
			_ = s.ss.Kill(t.Session)
			s.ss.ClearStatus(t.Session)
			s.trackSession(t.Session, false)
		}

		s.bus.Publish(eventbus.TaskCompleted, s.cfg.ProjectID, map[string]any{"task_id": t.ID})
		s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{"task_id": t.ID, "from": task.StatusInProgress, "to": task.StatusCompleted})

		if s.cfg.AutoMerge {
			s.mq.Enqueue(updated)
		}
	}
	return nil
}

// detectFailure implements §4.5(d): a session that vanished with no
// commits ahead of main rewinds its task to up_next, retry-safe.
func (s *Scheduler) detectFailure(ctx context.Context) error {
	for _, t := range s.tasks.List() {
		if t.Status != task.StatusInProgress || t.Session == "" {
			continue
		}
		if s.ss.HasSession(t.Session) {
			continue
		}
		ahead, err := s.wt.CommitsAheadOfMain(t.Branch)
		if err != nil || ahead {
			continue // either an error (be conservative) or it has commits: completion path handles it
		}

		session := t.Session
		empty := ""
		if _, err := s.tasks.Update(t.TaskID, task.Patch{Status: statusPtr(task.StatusUpNext), Session: &empty}); err != nil {
			log.ErrorLog.Printf("scheduler: failed to rewind task %d: %v", t.TaskID, err)
			continue
		}
		s.ss.ClearStatus(session)
		s.trackSession(session, false)
		s.bus.Publish(eventbus.TaskStatusChanged, s.cfg.ProjectID, map[string]any{"task_id": t.ID, "from": task.StatusInProgress, "to": task.StatusUpNext})
	}
	return nil
}

func statusPtr(s task.Status) *task.Status { return &s }

func sortByPriorityThenMergeOrderDesc(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.MergeOrder > b.MergeOrder
	})
}
