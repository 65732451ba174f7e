package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexonal/splitmind/config"
	"github.com/hexonal/splitmind/coordination"
	"github.com/hexonal/splitmind/eventbus"
	"github.com/hexonal/splitmind/log"
	"github.com/hexonal/splitmind/mergequeue"
	"github.com/hexonal/splitmind/project"
	"github.com/hexonal/splitmind/scheduler"
	"github.com/hexonal/splitmind/supervisor"
	"github.com/hexonal/splitmind/task"
	"github.com/hexonal/splitmind/worktree"
)

var version = "0.1.0"

var (
	daemonFlag  bool
	programFlag string

	rootCmd = &cobra.Command{
		Use:   "splitmind",
		Short: "splitmind orchestrates parallel coding agents across git worktrees",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator for the project in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(daemonFlag)
		},
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator with quieter, daemon-style logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(true)
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Stop sessions, clear worktrees, and wipe coordination state for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			root, err := projectRoot()
			if err != nil {
				return err
			}
			projectID := filepath.Base(root)

			summary := map[string]any{}

			var sessionsBefore []string
			if ss, err := supervisor.New(filepath.Join(root, ".splitmind", "status")); err == nil {
				sessionsBefore, _ = ss.ListSessions()
			}
			if err := supervisor.CleanupSessions(); err != nil {
				return fmt.Errorf("failed to clean up sessions: %w", err)
			}
			summary["sessions_stopped"] = len(sessionsBefore)
			fmt.Printf("sessions stopped: %d\n", len(sessionsBefore))

			worktreesBefore := 0
			if entries, err := os.ReadDir(filepath.Join(root, "worktrees")); err == nil {
				worktreesBefore = len(entries)
			}
			wt := worktree.NewManager(root)
			if err := wt.Prune(); err != nil {
				return fmt.Errorf("failed to prune worktrees: %w", err)
			}
			summary["worktrees_pruned"] = worktreesBefore
			fmt.Printf("worktrees pruned: %d\n", worktreesBefore)

			dbPath := filepath.Join(root, ".splitmind", "coordination.db")
			coordKeys := 0
			if cs, err := coordination.Open(dbPath); err == nil {
				if stats, err := cs.CoordinationStats(context.Background(), projectID); err == nil {
					coordKeys = stats.ActiveAgents + stats.OpenFileLocks + stats.PendingMessages + stats.RegisteredInterfaces
				}
				cs.Close()
			}
			if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove coordination state: %w", err)
			}
			summary["coordination_keys_cleared"] = coordKeys
			fmt.Printf("coordination state cleared: %d tracked key(s)\n", coordKeys)

			if pm, proj := openProjectRegistry(root, projectID); proj != nil {
				for _, session := range append([]string{}, proj.Sessions...) {
					_ = pm.RemoveSessionFromProject(proj.ID, session)
				}
			}

			bus := eventbus.New(1)
			bus.Publish(eventbus.ProjectReset, projectID, summary)

			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			out, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), out)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("splitmind version %s\n", version)
		},
	}
)

func init() {
	runCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "use daemon-style logging")
	runCmd.Flags().StringVarP(&programFlag, "program", "p", "", "override the agent program (e.g. 'claude')")

	rootCmd.AddCommand(runCmd, daemonCmd, resetCmd, debugCmd, versionCmd)
}

func projectMaxAgents(override *config.ProjectOverride, proj *project.Project) int {
	if override.MaxAgents > 0 {
		return override.MaxAgents
	}
	if proj != nil && proj.MaxAgents > 0 {
		return proj.MaxAgents
	}
	return project.DefaultMaxAgents
}

// openProjectRegistry loads the on-disk multi-project registry and returns
// (or creates) the entry for root, activating it. A registry that can't be
// opened degrades to nil/nil: the caller falls back to the global/override
// max_agents and skips session tracking, rather than failing the run.
func openProjectRegistry(root, name string) (*project.ProjectManager, *project.Project) {
	storage, err := project.NewFileProjectStorage()
	if err != nil {
		log.WarningLog.Printf("project registry unavailable: %v", err)
		return nil, nil
	}
	pm, err := project.NewProjectManager(storage)
	if err != nil {
		log.WarningLog.Printf("failed to load project registry: %v", err)
		return nil, nil
	}

	proj, exists := pm.FindProjectByPath(root)
	if !exists {
		proj, err = pm.AddProject(root, name)
		if err != nil {
			log.WarningLog.Printf("failed to register project %s: %v", root, err)
			return pm, nil
		}
	}
	if err := pm.SetActiveProject(proj.ID); err != nil {
		log.WarningLog.Printf("failed to activate project %s: %v", proj.ID, err)
	}
	return pm, proj
}

func projectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return filepath.Abs(dir)
}

func runOrchestrator(daemon bool) error {
	log.Initialize(daemon)
	defer log.Close()

	root, err := projectRoot()
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return fmt.Errorf("splitmind must be run from within a git repository: %w", err)
	}

	cfg := config.Load()
	override, err := config.LoadProjectOverride(root)
	if err != nil {
		return fmt.Errorf("failed to load project overrides: %w", err)
	}
	cfg = config.ApplyOverride(cfg, override)

	program := cfg.DefaultAgentProgram
	if programFlag != "" {
		program = programFlag
	}

	projectID := filepath.Base(root)

	pm, proj := openProjectRegistry(root, projectID)
	registryProjectID := projectID
	if proj != nil {
		registryProjectID = proj.ID
		if override.MaxAgents > 0 && proj.MaxAgents != override.MaxAgents {
			if err := pm.SetMaxAgents(proj.ID, override.MaxAgents); err != nil {
				log.WarningLog.Printf("failed to persist project max_agents override: %v", err)
			}
		}
	}

	taskStore, err := task.Open(task.DefaultTaskFilePath(root))
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}

	dbPath := filepath.Join(root, ".splitmind", "coordination.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	cs, err := coordination.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open coordination store: %w", err)
	}
	defer cs.Close()

	wt := worktree.NewManager(root)

	statusDir := filepath.Join(root, ".splitmind", "status")
	ss, err := supervisor.New(statusDir)
	if err != nil {
		return fmt.Errorf("failed to initialize session supervisor: %w", err)
	}

	bus := eventbus.New(256)
	mq := mergequeue.New(root, projectID, taskStore, cs, wt, bus)

	sched := scheduler.New(scheduler.Config{
		ProjectID:           projectID,
		RepoRoot:            root,
		TickInterval:        time.Duration(cfg.DaemonPollIntervalMS) * time.Millisecond,
		MaxConcurrentAgents: cfg.MaxConcurrentAgents,
		ProjectMaxAgents:    projectMaxAgents(override, proj),
		AgentProgram:        program,
		CoordinationAddr:    cfg.CoordinationEndpoint,
		AutoMerge:           true,
		Projects:            pm,
		RegistryProjectID:   registryProjectID,
	}, taskStore, cs, wt, ss, mq, bus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go liveSweep(ctx, cs)

	log.InfoLog.Printf("splitmind: orchestrating project %s at %s", projectID, root)
	return sched.Run(ctx)
}

// liveSweep runs CS's liveness sweep on its own interval, independent of
// the scheduler tick (§4.2's background liveness scan).
func liveSweep(ctx context.Context, cs *coordination.Store) {
	ticker := time.NewTicker(coordination.LivenessTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := cs.SweepStaleAgents(ctx); err != nil {
				log.ErrorLog.Printf("liveness sweep failed: %v", err)
			} else if n > 0 {
				log.InfoLog.Printf("liveness sweep: marked %d agent(s) stale", n)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
