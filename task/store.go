package task

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hexonal/splitmind/log"
)

// fileHeader opens the on-disk task file, per the external-interfaces
// task file format.
const fileHeader = "# tasks.md"

var taskHeaderRe = regexp.MustCompile(`^## Task: (.*)$`)

// Store is the canonical per-project list of tasks, persisted to a
// line-oriented file. All mutating operations re-sort and re-serialize
// atomically (write-then-rename).
type Store struct {
	path  string
	tasks map[int]*Task
	next  int // next task_id to assign
}

// Open loads (or creates) the task store at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, tasks: map[int]*Task{}, next: 1}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.persist(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the file from disk, repairing any task_id gaps or
// duplicates introduced by a hand-edited file (a supplemented feature
// beyond the base distillation: see SPEC_FULL.md §12).
func (s *Store) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	defer f.Close()

	tasks, err := parse(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptTaskFile, err)
	}

	repaired, maxID := repairIDs(tasks)
	s.tasks = map[int]*Task{}
	for _, t := range repaired {
		s.tasks[t.TaskID] = t
	}
	s.next = maxID + 1

	if len(repaired) != countBlocks(tasks) {
		// repair changed something in-place; persist the cleaned-up form.
		return s.persist()
	}
	return nil
}

func countBlocks(tasks []*Task) int { return len(tasks) }

// repairIDs assigns task_ids to tasks missing one and renumbers duplicates,
// preserving the first occurrence of each id.
func repairIDs(tasks []*Task) ([]*Task, int) {
	seen := map[int]bool{}
	maxID := 0
	for _, t := range tasks {
		if t.TaskID > 0 && !seen[t.TaskID] {
			seen[t.TaskID] = true
			if t.TaskID > maxID {
				maxID = t.TaskID
			}
		}
	}
	for _, t := range tasks {
		if t.TaskID <= 0 || (seen[t.TaskID] && t.TaskID != 0 && taskIDOwner(tasks, t.TaskID) != t) {
			maxID++
			log.WarningLog.Printf("task store: assigning fresh task_id %d to %q (missing or duplicate)", maxID, t.Title)
			t.TaskID = maxID
			t.Branch = BranchFor(t.TaskID)
			seen[maxID] = true
		}
	}
	return tasks, maxID
}

func taskIDOwner(tasks []*Task, id int) *Task {
	for _, t := range tasks {
		if t.TaskID == id {
			return t
		}
	}
	return nil
}

// List returns all tasks sorted by (priority asc, task_id asc).
func (s *Store) List() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out
}

// ByID returns a lookup map keyed by integer task_id, for dependency
// resolution.
func (s *Store) ByID() map[int]*Task {
	return s.tasks
}

// Get returns a single task, or ErrNotFound.
func (s *Store) Get(taskID int) (*Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// AddParams are the inputs accepted by Add.
type AddParams struct {
	Title              string
	Description        string
	Prompt             string
	Dependencies       []int
	Priority           int
	MergeOrder         int
	ExclusiveFiles     []string
	SharedFiles        []string
	InitializationDeps []int
	SetupCommands      []string
}

// Add assigns the next task_id, derives the branch, appends, and persists.
func (s *Store) Add(p AddParams) (*Task, error) {
	priority := p.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	now := time.Now()
	t := &Task{
		TaskID:             s.next,
		Title:              sanitize(p.Title),
		Description:        p.Description,
		Prompt:             p.Prompt,
		Branch:             BranchFor(s.next),
		Status:             StatusUnclaimed,
		Dependencies:       p.Dependencies,
		Priority:           priority,
		MergeOrder:         p.MergeOrder,
		ExclusiveFiles:     p.ExclusiveFiles,
		SharedFiles:        p.SharedFiles,
		InitializationDeps: p.InitializationDeps,
		SetupCommands:      p.SetupCommands,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	t.ID = strconv.Itoa(t.TaskID)
	s.tasks[t.TaskID] = t
	s.next++
	if err := s.persist(); err != nil {
		delete(s.tasks, t.TaskID)
		s.next--
		return nil, err
	}
	return t, nil
}

// AddFromTemplate seeds a task from a named built-in template (a
// supplemented feature: see SPEC_FULL.md §12). Returns ErrNotFound if the
// template name is unknown.
func (s *Store) AddFromTemplate(templateName, title string) (*Task, error) {
	tmpl, ok := Templates[templateName]
	if !ok {
		return nil, fmt.Errorf("%w: template %q", ErrNotFound, templateName)
	}
	return s.Add(AddParams{
		Title:              title,
		Priority:           tmpl.Priority,
		MergeOrder:         tmpl.MergeOrder,
		ExclusiveFiles:     tmpl.ExclusiveFiles,
		SharedFiles:        tmpl.SharedFiles,
		InitializationDeps: tmpl.InitializationDeps,
		SetupCommands:      tmpl.SetupCommands,
	})
}

// Patch is the set of fields Update may change; zero-value fields are
// left untouched unless their pointer is set.
type Patch struct {
	Status             *Status
	Session            *string
	Description        *string
	Prompt             *string
	Dependencies       *[]int
	Priority           *int
	MergeOrder         *int
	ExclusiveFiles     *[]string
	SharedFiles        *[]string
	InitializationDeps *[]int
	CompletedAt        *time.Time
	MergedAt           *time.Time
}

// Update applies patch to taskID, refreshes updated_at, and persists.
func (s *Store) Update(taskID int, patch Patch) (*Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Session != nil {
		t.Session = *patch.Session
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Prompt != nil {
		t.Prompt = *patch.Prompt
	}
	if patch.Dependencies != nil {
		t.Dependencies = *patch.Dependencies
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.MergeOrder != nil {
		t.MergeOrder = *patch.MergeOrder
	}
	if patch.ExclusiveFiles != nil {
		t.ExclusiveFiles = *patch.ExclusiveFiles
	}
	if patch.SharedFiles != nil {
		t.SharedFiles = *patch.SharedFiles
	}
	if patch.InitializationDeps != nil {
		t.InitializationDeps = *patch.InitializationDeps
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	if patch.MergedAt != nil {
		t.MergedAt = patch.MergedAt
	}
	t.UpdatedAt = time.Now()
	return t, s.persist()
}

// Delete removes taskID and persists.
func (s *Store) Delete(taskID int) error {
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	return s.persist()
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
}

// persist re-sorts and atomically rewrites the task file (write-then-rename).
func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	if err := serialize(f, s.List()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

func serialize(w io.Writer, tasks []*Task) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, fileHeader)
	fmt.Fprintln(bw)
	for _, t := range tasks {
		fmt.Fprintf(bw, "## Task: %s\n", t.Title)
		fmt.Fprintln(bw)
		fmt.Fprintf(bw, "- task_id: %d\n", t.TaskID)
		fmt.Fprintf(bw, "- status: %s\n", t.Status)
		fmt.Fprintf(bw, "- branch: %s\n", t.Branch)
		fmt.Fprintf(bw, "- session: %s\n", nullable(t.Session))
		fmt.Fprintf(bw, "- description: %s\n", t.Description)
		fmt.Fprintf(bw, "- prompt: %s\n", t.Prompt)
		fmt.Fprintf(bw, "- dependencies: %s\n", intListToBracket(t.Dependencies))
		fmt.Fprintf(bw, "- priority: %d\n", t.Priority)
		fmt.Fprintf(bw, "- merge_order: %d\n", t.MergeOrder)
		fmt.Fprintf(bw, "- exclusive_files: %s\n", strListToBracket(t.ExclusiveFiles))
		fmt.Fprintf(bw, "- shared_files: %s\n", strListToBracket(t.SharedFiles))
		fmt.Fprintf(bw, "- initialization_deps: %s\n", intListToBracket(t.InitializationDeps))
		fmt.Fprintf(bw, "- setup_commands: %s\n", strListToBracket(t.SetupCommands))
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

func nullable(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func intListToBracket(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func strListToBracket(ss []string) string {
	return "[" + strings.Join(ss, ",") + "]"
}

func parse(r io.Reader) ([]*Task, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var tasks []*Task
	var cur *Task

	flush := func() {
		if cur != nil {
			tasks = append(tasks, cur)
			cur = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line == fileHeader {
			continue
		}
		if m := taskHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Task{Title: m[1], Status: StatusUnclaimed, Priority: DefaultPriority}
			continue
		}
		if cur == nil || !strings.HasPrefix(line, "- ") {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(line, "- "), ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		applyField(cur, key, val)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		t.ID = strconv.Itoa(t.TaskID)
		if t.Branch == "" && t.TaskID > 0 {
			t.Branch = BranchFor(t.TaskID)
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
	}
	return tasks, nil
}

func applyField(t *Task, key, val string) {
	switch key {
	case "task_id":
		if n, err := strconv.Atoi(val); err == nil {
			t.TaskID = n
		}
	case "status":
		t.Status = Status(val)
	case "branch":
		t.Branch = val
	case "session":
		if val != "null" && val != "" {
			t.Session = val
		}
	case "description":
		t.Description = val
	case "prompt":
		t.Prompt = val
	case "dependencies":
		t.Dependencies = parseIntBracket(val)
	case "priority":
		if n, err := strconv.Atoi(val); err == nil {
			t.Priority = n
		}
	case "merge_order":
		if n, err := strconv.Atoi(val); err == nil {
			t.MergeOrder = n
		}
	case "exclusive_files":
		t.ExclusiveFiles = parseStrBracket(val)
	case "shared_files":
		t.SharedFiles = parseStrBracket(val)
	case "initialization_deps":
		t.InitializationDeps = parseIntBracket(val)
	case "setup_commands":
		t.SetupCommands = parseStrBracket(val)
	}
}

func parseIntBracket(s string) []int {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseStrBracket(s string) []string {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Path returns the path of the task file.
func (s *Store) Path() string { return s.path }

// DefaultTaskFilePath is the conventional location of a project's task
// file relative to its root.
func DefaultTaskFilePath(projectRoot string) string {
	return filepath.Join(projectRoot, "tasks.md")
}
