package project

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxAgents is the concurrency cap applied when a project does not
// declare its own, per the scheduler's target_up_next = min(global cap,
// project.max_agents) rule.
const DefaultMaxAgents = 3

// Project is a single version-controlled repository under orchestration:
// its root path, its concurrency cap, and the set of sessions currently
// running against it.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	MaxAgents    int       `json:"max_agents"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`
	IsActive     bool      `json:"is_active"`
	Sessions     []string  `json:"sessions"`
}

// NewProject creates a new project with the given path and name
func NewProject(path, name string) (*Project, error) {
	if path == "" {
		return nil, fmt.Errorf("project path cannot be empty")
	}

	// Clean and validate the path
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("project path must be absolute: %s", path)
	}

	// Generate project name from path if not provided
	if name == "" {
		name = filepath.Base(cleanPath)
		if name == "." || name == "/" {
			return nil, fmt.Errorf("could not determine project name from path: %s", path)
		}
	}

	// Generate unique ID from path
	id := generateProjectID(cleanPath)

	now := time.Now()
	return &Project{
		ID:           id,
		Name:         name,
		Path:         cleanPath,
		MaxAgents:    DefaultMaxAgents,
		LastAccessed: now,
		CreatedAt:    now,
		IsActive:     false,
		Sessions:     make([]string, 0),
	}, nil
}

// generateProjectID creates a unique identifier from the project path
func generateProjectID(path string) string {
	// Use the cleaned path and replace separators with underscores
	id := strings.ReplaceAll(path, string(filepath.Separator), "_")
	// Remove leading underscore if present
	if strings.HasPrefix(id, "_") {
		id = id[1:]
	}
	return id
}

// AddSession records a supervised session as belonging to this project.
func (p *Project) AddSession(session string) {
	if session == "" {
		return
	}
	for _, existing := range p.Sessions {
		if existing == session {
			return
		}
	}
	p.Sessions = append(p.Sessions, session)
	p.LastAccessed = time.Now()
}

// RemoveSession drops a session once its task is merged or the agent dies.
func (p *Project) RemoveSession(session string) bool {
	for i, existing := range p.Sessions {
		if existing == session {
			p.Sessions = append(p.Sessions[:i], p.Sessions[i+1:]...)
			p.LastAccessed = time.Now()
			return true
		}
	}
	return false
}

// HasSession reports whether session currently belongs to this project.
func (p *Project) HasSession(session string) bool {
	for _, existing := range p.Sessions {
		if existing == session {
			return true
		}
	}
	return false
}

// SessionCount returns the number of sessions currently recorded for this
// project.
func (p *Project) SessionCount() int {
	return len(p.Sessions)
}

// SetActive marks this project as active and updates last accessed time
func (p *Project) SetActive() {
	p.IsActive = true
	p.LastAccessed = time.Now()
}

// SetInactive marks this project as inactive
func (p *Project) SetInactive() {
	p.IsActive = false
}

// Validate ensures the project data is valid
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}
	if p.Name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if p.Path == "" {
		return fmt.Errorf("project path cannot be empty")
	}
	if !filepath.IsAbs(p.Path) {
		return fmt.Errorf("project path must be absolute: %s", p.Path)
	}
	return nil
}