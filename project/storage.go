package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hexonal/splitmind/config"
)

// registryFileName is the JSON file the multi-project registry persists to,
// alongside config.json in the same config directory (config.GetConfigDir,
// config.Load's own file-backed pattern).
const registryFileName = "projects.json"

// registryDoc is the on-disk shape of the registry file.
type registryDoc struct {
	Projects      map[string]*Project `json:"projects"`
	ActiveProject string              `json:"active_project"`
	History       *ProjectHistory     `json:"history,omitempty"`
}

// FileProjectStorage implements ProjectStorage by round-tripping a single
// JSON file in the user's config directory, the same read-whole/write-whole
// idiom config.Load/config.Save use for config.json.
type FileProjectStorage struct {
	path string
}

// NewFileProjectStorage opens (without yet reading) the registry file at
// the default location, creating the config directory if necessary.
func NewFileProjectStorage() (*FileProjectStorage, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return &FileProjectStorage{path: filepath.Join(dir, registryFileName)}, nil
}

func (s *FileProjectStorage) load() (*registryDoc, error) {
	doc := &registryDoc{Projects: map[string]*Project{}}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project registry: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse project registry: %w", err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]*Project{}
	}
	return doc, nil
}

func (s *FileProjectStorage) save(doc *registryDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write project registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace project registry: %w", err)
	}
	return nil
}

// SaveProjects persists the serialized project map, preserving the
// currently stored active project and history.
func (s *FileProjectStorage) SaveProjects(projectsJSON json.RawMessage) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	var projects map[string]*Project
	if len(projectsJSON) > 0 {
		if err := json.Unmarshal(projectsJSON, &projects); err != nil {
			return fmt.Errorf("failed to unmarshal projects: %w", err)
		}
	}
	doc.Projects = projects
	return s.save(doc)
}

// GetProjects returns the serialized project map.
func (s *FileProjectStorage) GetProjects() json.RawMessage {
	doc, err := s.load()
	if err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(doc.Projects)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// DeleteProject removes a single project and persists the result.
func (s *FileProjectStorage) DeleteProject(projectID string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	delete(doc.Projects, projectID)
	if doc.ActiveProject == projectID {
		doc.ActiveProject = ""
	}
	return s.save(doc)
}

// SetActiveProject records the active project id.
func (s *FileProjectStorage) SetActiveProject(projectID string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.ActiveProject = projectID
	return s.save(doc)
}

// GetActiveProject returns the active project id, or "" if none is set.
func (s *FileProjectStorage) GetActiveProject() string {
	doc, err := s.load()
	if err != nil {
		return ""
	}
	return doc.ActiveProject
}

// SaveProjectHistory persists the recent-projects list.
func (s *FileProjectStorage) SaveProjectHistory(history *ProjectHistory) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.History = history
	return s.save(doc)
}

// GetProjectHistory returns the recent-projects list, or a fresh one if
// none has been saved yet.
func (s *FileProjectStorage) GetProjectHistory() *ProjectHistory {
	doc, err := s.load()
	if err != nil || doc.History == nil {
		return NewProjectHistory()
	}
	return doc.History
}
