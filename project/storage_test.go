package project

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *FileProjectStorage {
	t.Helper()
	return &FileProjectStorage{path: filepath.Join(t.TempDir(), registryFileName)}
}

func TestFileProjectStorage(t *testing.T) {
	t.Run("creates storage with valid path", func(t *testing.T) {
		storage := newTestStorage(t)
		assert.NotNil(t, storage)
	})

	t.Run("saves and retrieves projects", func(t *testing.T) {
		storage := newTestStorage(t)

		testProjects := map[string]*Project{
			"test-id": {
				ID:       "test-id",
				Name:     "Test Project",
				Path:     "/tmp/test",
				IsActive: false,
				Sessions: []string{"session-1"},
			},
		}
		projectsJSON, _ := json.Marshal(testProjects)

		err := storage.SaveProjects(projectsJSON)
		require.NoError(t, err)

		retrievedJSON := storage.GetProjects()
		assert.NotEmpty(t, retrievedJSON)

		var retrievedProjects map[string]*Project
		err = json.Unmarshal(retrievedJSON, &retrievedProjects)
		require.NoError(t, err)

		assert.Equal(t, 1, len(retrievedProjects))
		project := retrievedProjects["test-id"]
		assert.Equal(t, "Test Project", project.Name)
		assert.Equal(t, "/tmp/test", project.Path)
		assert.Contains(t, project.Sessions, "session-1")
	})

	t.Run("sets and gets active project", func(t *testing.T) {
		storage := newTestStorage(t)

		activeProject := storage.GetActiveProject()
		assert.Empty(t, activeProject)

		err := storage.SetActiveProject("test-project-id")
		require.NoError(t, err)

		activeProject = storage.GetActiveProject()
		assert.Equal(t, "test-project-id", activeProject)
	})

	t.Run("deletes project", func(t *testing.T) {
		storage := newTestStorage(t)

		testProjects := map[string]*Project{
			"project-1": {ID: "project-1", Name: "Project 1", Path: "/tmp/project1"},
			"project-2": {ID: "project-2", Name: "Project 2", Path: "/tmp/project2"},
		}
		projectsJSON, _ := json.Marshal(testProjects)
		require.NoError(t, storage.SaveProjects(projectsJSON))

		err := storage.DeleteProject("project-1")
		require.NoError(t, err)

		retrievedJSON := storage.GetProjects()
		var retrievedProjects map[string]*Project
		require.NoError(t, json.Unmarshal(retrievedJSON, &retrievedProjects))

		assert.Equal(t, 1, len(retrievedProjects))
		_, exists := retrievedProjects["project-1"]
		assert.False(t, exists)
		_, exists = retrievedProjects["project-2"]
		assert.True(t, exists)
	})

	t.Run("clears active project when the active project is deleted", func(t *testing.T) {
		storage := newTestStorage(t)
		require.NoError(t, storage.SetActiveProject("project-1"))

		require.NoError(t, storage.DeleteProject("project-1"))

		assert.Empty(t, storage.GetActiveProject())
	})

	t.Run("handles empty projects for deletion", func(t *testing.T) {
		storage := newTestStorage(t)

		err := storage.DeleteProject("non-existent")
		assert.NoError(t, err)
	})

	t.Run("persists history alongside projects", func(t *testing.T) {
		storage := newTestStorage(t)

		history := storage.GetProjectHistory()
		require.NotNil(t, history)
		history.AddProject("/tmp/recent")

		require.NoError(t, storage.SaveProjectHistory(history))

		reloaded := storage.GetProjectHistory()
		assert.Contains(t, reloaded.GetRecentProjects(), "/tmp/recent")
	})

	t.Run("returns fresh history when nothing has been saved", func(t *testing.T) {
		storage := newTestStorage(t)

		history := storage.GetProjectHistory()
		require.NotNil(t, history)
		assert.Empty(t, history.GetRecentProjects())
	})
}

func TestFileProjectStorageIntegration(t *testing.T) {
	t.Run("persists state across reload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), registryFileName)

		{
			storage := &FileProjectStorage{path: path}
			testProject := map[string]*Project{
				"persist-test": {
					ID:   "persist-test",
					Name: "Persistence Test",
					Path: "/tmp/persist",
				},
			}
			projectsJSON, _ := json.Marshal(testProject)
			require.NoError(t, storage.SaveProjects(projectsJSON))
			require.NoError(t, storage.SetActiveProject("persist-test"))
		}

		{
			storage := &FileProjectStorage{path: path}
			assert.Equal(t, "persist-test", storage.GetActiveProject())

			retrievedJSON := storage.GetProjects()
			var retrievedProjects map[string]*Project
			require.NoError(t, json.Unmarshal(retrievedJSON, &retrievedProjects))

			project := retrievedProjects["persist-test"]
			assert.Equal(t, "Persistence Test", project.Name)
		}
	})
}

func TestFileProjectStorageCompleteWorkflow(t *testing.T) {
	t.Run("complete project lifecycle", func(t *testing.T) {
		storage := newTestStorage(t)

		projects := storage.GetProjects()
		assert.Equal(t, json.RawMessage("{}"), projects)
		assert.Empty(t, storage.GetActiveProject())

		project1 := map[string]*Project{
			"project-1": {
				ID:       "project-1",
				Name:     "First Project",
				Path:     "/tmp/first",
				IsActive: true,
				Sessions: []string{},
			},
		}
		projectsJSON, _ := json.Marshal(project1)
		require.NoError(t, storage.SaveProjects(projectsJSON))
		require.NoError(t, storage.SetActiveProject("project-1"))

		bothProjects := map[string]*Project{
			"project-1": {
				ID:       "project-1",
				Name:     "First Project",
				Path:     "/tmp/first",
				IsActive: false,
				Sessions: []string{"session-1"},
			},
			"project-2": {
				ID:       "project-2",
				Name:     "Second Project",
				Path:     "/tmp/second",
				IsActive: true,
				Sessions: []string{},
			},
		}
		projectsJSON, _ = json.Marshal(bothProjects)
		require.NoError(t, storage.SaveProjects(projectsJSON))
		require.NoError(t, storage.SetActiveProject("project-2"))

		retrievedJSON := storage.GetProjects()
		var retrievedProjects map[string]*Project
		require.NoError(t, json.Unmarshal(retrievedJSON, &retrievedProjects))

		assert.Equal(t, 2, len(retrievedProjects))
		assert.Contains(t, retrievedProjects["project-1"].Sessions, "session-1")
		assert.Equal(t, "project-2", storage.GetActiveProject())

		require.NoError(t, storage.DeleteProject("project-1"))

		retrievedJSON = storage.GetProjects()
		var finalProjects map[string]*Project
		require.NoError(t, json.Unmarshal(retrievedJSON, &finalProjects))

		assert.Equal(t, 1, len(finalProjects))
		_, exists := finalProjects["project-1"]
		assert.False(t, exists)
		_, exists = finalProjects["project-2"]
		assert.True(t, exists)
	})
}

func TestFileProjectStorageEdgeCases(t *testing.T) {
	t.Run("handles large project data", func(t *testing.T) {
		storage := newTestStorage(t)

		largeProjects := make(map[string]*Project)
		for i := 0; i < 100; i++ {
			projectID := fmt.Sprintf("project-%d", i)
			largeProjects[projectID] = &Project{
				ID:       projectID,
				Name:     fmt.Sprintf("Project %d", i),
				Path:     fmt.Sprintf("/tmp/project-%d", i),
				Sessions: make([]string, 10),
			}
			for j := 0; j < 10; j++ {
				largeProjects[projectID].Sessions[j] = fmt.Sprintf("session-%d-%d", i, j)
			}
		}

		projectsJSON, err := json.Marshal(largeProjects)
		require.NoError(t, err)
		require.NoError(t, storage.SaveProjects(projectsJSON))

		retrievedJSON := storage.GetProjects()
		var retrievedProjects map[string]*Project
		require.NoError(t, json.Unmarshal(retrievedJSON, &retrievedProjects))

		assert.Equal(t, 100, len(retrievedProjects))
		assert.Equal(t, "Project 0", retrievedProjects["project-0"].Name)
		assert.Equal(t, 10, len(retrievedProjects["project-99"].Sessions))
	})

	t.Run("handles special characters in project data", func(t *testing.T) {
		storage := newTestStorage(t)

		specialProject := map[string]*Project{
			"special-chars": {
				ID:   "special-chars",
				Name: "Project with 特殊文字 & symbols!@#$%",
				Path: "/tmp/path with spaces/and-symbols",
				Sessions: []string{
					"session-with-unicode-名前",
					"session/with/slashes",
				},
			},
		}

		projectsJSON, err := json.Marshal(specialProject)
		require.NoError(t, err)
		require.NoError(t, storage.SaveProjects(projectsJSON))

		retrievedJSON := storage.GetProjects()
		var retrievedProjects map[string]*Project
		require.NoError(t, json.Unmarshal(retrievedJSON, &retrievedProjects))

		project := retrievedProjects["special-chars"]
		assert.Equal(t, "Project with 特殊文字 & symbols!@#$%", project.Name)
		assert.Contains(t, project.Sessions, "session-with-unicode-名前")
	})
}
