package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ProjectStorage defines the interface for project persistence
type ProjectStorage interface {
	SaveProjects(projectsJSON json.RawMessage) error
	GetProjects() json.RawMessage
	DeleteProject(projectID string) error
	SetActiveProject(projectID string) error
	GetActiveProject() string
}

// historyStorage is implemented by storage backends that also track recent
// project paths (FileProjectStorage does); asserted for optionally, since
// the narrower ProjectStorage interface is the one callers depend on.
type historyStorage interface {
	SaveProjectHistory(history *ProjectHistory) error
	GetProjectHistory() *ProjectHistory
}

// ProjectManager manages multiple projects and their state
type ProjectManager struct {
	projects      map[string]*Project
	activeProject *Project
	storage       ProjectStorage
	history       *ProjectHistory
	historyStore  historyStorage
}

// NewProjectManager creates a new project manager with the given storage backend
func NewProjectManager(storage ProjectStorage) (*ProjectManager, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}

	pm := &ProjectManager{
		projects: make(map[string]*Project),
		storage:  storage,
	}

	if hs, ok := storage.(historyStorage); ok {
		pm.historyStore = hs
		pm.history = hs.GetProjectHistory()
	} else {
		pm.history = NewProjectHistory()
	}

	// Load existing projects from storage
	if err := pm.loadProjects(); err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}

	// Set active project if one was stored
	activeProjectID := storage.GetActiveProject()
	if activeProjectID != "" {
		pm.setActiveProjectByID(activeProjectID)
	}

	return pm, nil
}

// RecentProjects returns recently accessed project paths, most recent first.
func (pm *ProjectManager) RecentProjects() []string {
	return pm.history.GetRecentProjects()
}

// recordAccess updates the recent-projects history and persists it if the
// storage backend supports it.
func (pm *ProjectManager) recordAccess(path string) {
	pm.history.AddProject(path)
	if pm.historyStore != nil {
		if err := pm.historyStore.SaveProjectHistory(pm.history); err != nil {
			_ = err // history is best-effort; never block registry mutations on it
		}
	}
}

// AddProject adds a new project to the manager
func (pm *ProjectManager) AddProject(path, name string) (*Project, error) {
	// Create new project
	project, err := NewProject(path, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	// Check if project with same path already exists
	for _, existing := range pm.projects {
		if existing.Path == project.Path {
			return nil, fmt.Errorf("project with path already exists: %s", path)
		}
	}

	// Validate path exists
	if _, err := os.Stat(project.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("project path does not exist: %s", project.Path)
	}

	// Add to manager
	pm.projects[project.ID] = project

	// If this is the first project, make it active
	if len(pm.projects) == 1 {
		pm.SetActiveProject(project.ID)
	}

	// Save to storage
	if err := pm.saveProjects(); err != nil {
		// Remove from memory if save failed
		delete(pm.projects, project.ID)
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	pm.recordAccess(project.Path)
	return project, nil
}

// GetProject retrieves a project by ID
func (pm *ProjectManager) GetProject(projectID string) (*Project, bool) {
	project, exists := pm.projects[projectID]
	return project, exists
}

// FindProjectByPath returns the project registered at the given root path,
// if one has been added.
func (pm *ProjectManager) FindProjectByPath(path string) (*Project, bool) {
	clean := filepath.Clean(path)
	for _, project := range pm.projects {
		if project.Path == clean {
			return project, true
		}
	}
	return nil, false
}

// SetMaxAgents updates a project's concurrency cap and persists it; the
// scheduler reads this back as Config.ProjectMaxAgents.
func (pm *ProjectManager) SetMaxAgents(projectID string, maxAgents int) error {
	project, exists := pm.projects[projectID]
	if !exists {
		return fmt.Errorf("project not found: %s", projectID)
	}
	project.MaxAgents = maxAgents
	return pm.saveProjects()
}

// GetActiveProject returns the currently active project
func (pm *ProjectManager) GetActiveProject() *Project {
	return pm.activeProject
}

// SetActiveProject sets the active project by ID
func (pm *ProjectManager) SetActiveProject(projectID string) error {
	project, exists := pm.projects[projectID]
	if !exists {
		return fmt.Errorf("project not found: %s", projectID)
	}

	// Deactivate current active project
	if pm.activeProject != nil {
		pm.activeProject.SetInactive()
	}

	// Set new active project
	pm.activeProject = project
	project.SetActive()

	// Save to storage
	if err := pm.storage.SetActiveProject(projectID); err != nil {
		return fmt.Errorf("failed to save active project: %w", err)
	}

	pm.recordAccess(project.Path)
	return nil
}

// setActiveProjectByID is an internal method that doesn't save to storage
func (pm *ProjectManager) setActiveProjectByID(projectID string) {
	if project, exists := pm.projects[projectID]; exists {
		if pm.activeProject != nil {
			pm.activeProject.SetInactive()
		}
		pm.activeProject = project
		project.SetActive()
	}
}

// ListProjects returns all projects sorted by last accessed time (most recent first)
func (pm *ProjectManager) ListProjects() []*Project {
	projects := make([]*Project, 0, len(pm.projects))
	for _, project := range pm.projects {
		projects = append(projects, project)
	}

	// Sort by last accessed time (most recent first)
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastAccessed.After(projects[j].LastAccessed)
	})

	return projects
}

// RemoveProject removes a project from the manager
func (pm *ProjectManager) RemoveProject(projectID string) error {
	project, exists := pm.projects[projectID]
	if !exists {
		return fmt.Errorf("project not found: %s", projectID)
	}

	// If this is the active project, clear active state
	if pm.activeProject != nil && pm.activeProject.ID == projectID {
		pm.activeProject = nil
		pm.storage.SetActiveProject("")
	}

	// Remove from memory
	delete(pm.projects, projectID)

	// Remove from storage
	if err := pm.storage.DeleteProject(projectID); err != nil {
		// Re-add to memory if storage delete failed
		pm.projects[projectID] = project
		return fmt.Errorf("failed to delete project from storage: %w", err)
	}

	// Save updated projects
	if err := pm.saveProjects(); err != nil {
		// Re-add to memory if save failed
		pm.projects[projectID] = project
		return fmt.Errorf("failed to save projects after deletion: %w", err)
	}

	return nil
}

// ValidateProjectPath checks if a path is valid for a new project
func (pm *ProjectManager) ValidateProjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("project path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("project path must be absolute: %s", path)
	}

	// Check if path exists
	if _, err := os.Stat(cleanPath); os.IsNotExist(err) {
		return fmt.Errorf("project path does not exist: %s", cleanPath)
	}

	// Check if project with same path already exists
	for _, existing := range pm.projects {
		if existing.Path == cleanPath {
			return fmt.Errorf("project with path already exists: %s", cleanPath)
		}
	}

	return nil
}

// GetProjectSessions returns the session names currently running for a project.
func (pm *ProjectManager) GetProjectSessions(projectID string) ([]string, error) {
	project, exists := pm.projects[projectID]
	if !exists {
		return nil, fmt.Errorf("project not found: %s", projectID)
	}

	// Return a copy to prevent external modification
	sessions := make([]string, len(project.Sessions))
	copy(sessions, project.Sessions)
	return sessions, nil
}

// AddSessionToProject records a newly spawned session against a project.
func (pm *ProjectManager) AddSessionToProject(projectID, session string) error {
	project, exists := pm.projects[projectID]
	if !exists {
		return fmt.Errorf("project not found: %s", projectID)
	}

	project.AddSession(session)

	// Save to storage
	return pm.saveProjects()
}

// RemoveSessionFromProject drops a session once its task is merged or killed.
func (pm *ProjectManager) RemoveSessionFromProject(projectID, session string) error {
	project, exists := pm.projects[projectID]
	if !exists {
		return fmt.Errorf("project not found: %s", projectID)
	}

	if !project.RemoveSession(session) {
		return fmt.Errorf("session not found in project: %s", session)
	}

	// Save to storage
	return pm.saveProjects()
}

// ProjectCount returns the total number of projects
func (pm *ProjectManager) ProjectCount() int {
	return len(pm.projects)
}

// loadProjects loads projects from storage
func (pm *ProjectManager) loadProjects() error {
	projectsJSON := pm.storage.GetProjects()
	if len(projectsJSON) == 0 {
		pm.projects = make(map[string]*Project) // Initialize empty map
		return nil                              // No projects to load
	}

	var projects map[string]*Project
	if err := json.Unmarshal(projectsJSON, &projects); err != nil {
		return fmt.Errorf("failed to unmarshal projects: %w", err)
	}

	// Validate loaded projects
	for id, project := range projects {
		if err := project.Validate(); err != nil {
			return fmt.Errorf("invalid project %s: %w", id, err)
		}
	}

	pm.projects = projects
	return nil
}

// saveProjects saves projects to storage
func (pm *ProjectManager) saveProjects() error {
	projectsJSON, err := json.Marshal(pm.projects)
	if err != nil {
		return fmt.Errorf("failed to marshal projects: %w", err)
	}

	return pm.storage.SaveProjects(projectsJSON)
}
