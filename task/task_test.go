package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchFor(t *testing.T) {
	assert.Equal(t, "task-7", BranchFor(7))
}

func TestDependenciesSatisfiedAcceptsCompletedOrMerged(t *testing.T) {
	byID := map[int]*Task{
		1: {TaskID: 1, Status: StatusMerged},
		2: {TaskID: 2, Status: StatusCompleted},
		3: {TaskID: 3, Status: StatusInProgress},
	}

	assert.True(t, DependenciesSatisfied(&Task{Dependencies: []int{1, 2}}, byID))
	assert.False(t, DependenciesSatisfied(&Task{Dependencies: []int{1, 3}}, byID))
	assert.False(t, DependenciesSatisfied(&Task{Dependencies: []int{99}}, byID), "unknown dependency is unsatisfied")
}

func TestDependenciesMergedRequiresMergedNotJustCompleted(t *testing.T) {
	byID := map[int]*Task{
		1: {TaskID: 1, Status: StatusMerged},
		2: {TaskID: 2, Status: StatusCompleted},
	}

	assert.True(t, DependenciesMerged(&Task{Dependencies: []int{1}}, byID))
	assert.False(t, DependenciesMerged(&Task{Dependencies: []int{2}}, byID), "completed-but-not-merged dependency fails the stricter gate")
}

func TestFilesConflict(t *testing.T) {
	cases := []struct {
		name string
		a, b *Task
		want bool
	}{
		{
			name: "disjoint files",
			a:    &Task{ExclusiveFiles: []string{"a.go"}},
			b:    &Task{ExclusiveFiles: []string{"b.go"}},
			want: false,
		},
		{
			name: "exclusive/exclusive overlap",
			a:    &Task{ExclusiveFiles: []string{"main.go"}},
			b:    &Task{ExclusiveFiles: []string{"main.go"}},
			want: true,
		},
		{
			name: "exclusive vs shared overlap",
			a:    &Task{ExclusiveFiles: []string{"config.go"}},
			b:    &Task{SharedFiles: []string{"config.go"}},
			want: true,
		},
		{
			name: "shared/shared overlap is not a conflict",
			a:    &Task{SharedFiles: []string{"README.md"}},
			b:    &Task{SharedFiles: []string{"README.md"}},
			want: false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, FilesConflict(c.a, c.b))
		})
	}
}

func TestHasCycleDetectsSelfReferentialDependencies(t *testing.T) {
	byID := map[int]*Task{
		1: {TaskID: 1, Dependencies: []int{2}},
		2: {TaskID: 2, Dependencies: []int{1}},
	}
	assert.True(t, HasCycle(byID[1], byID))

	acyclic := map[int]*Task{
		1: {TaskID: 1, Dependencies: []int{2}},
		2: {TaskID: 2},
	}
	assert.False(t, HasCycle(acyclic[1], acyclic))
}
