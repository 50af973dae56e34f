// Package testfixtures loads declarative YAML task/agent scenarios into a
// memstore.Store via go.yaml.in/yaml/v2, keeping steward test scenarios
// (an agent mid-crash, a task awaiting merge) as readable data instead
// of long Go literal seeds repeated across _test.go files.
package testfixtures

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/store/memstore"
)

// AgentFixture is one agent row in a fixture file.
type AgentFixture struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Role               string `yaml:"role"`
	SessionStatus      string `yaml:"sessionStatus"`
	MaxConcurrentTasks int    `yaml:"maxConcurrentTasks"`
}

// TaskFixture is one task row in a fixture file.
type TaskFixture struct {
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Status        string   `yaml:"status"`
	Assignee      string   `yaml:"assignee"`
	Tags          []string `yaml:"tags"`
	Branch        string   `yaml:"branch"`
	Worktree      string   `yaml:"worktree"`
	AssignedAgent string   `yaml:"assignedAgent"`
	MergeStatus   string   `yaml:"mergeStatus"`
}

// Fixture is the top-level shape of a fixture YAML document.
type Fixture struct {
	Agents []AgentFixture `yaml:"agents"`
	Tasks  []TaskFixture  `yaml:"tasks"`
}

// Load parses a fixture file at path.
func Load(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// Seed populates ms with every agent/task in f via memstore.Store's
// SeedAgent/SeedTask, bypassing Store's normal create path.
func Seed(ms *memstore.Store, f Fixture) {
	for _, a := range f.Agents {
		ms.SeedAgent(&model.Agent{
			ID:                 a.ID,
			Name:               a.Name,
			Role:               model.AgentRole(a.Role),
			SessionStatus:      model.SessionStatus(a.SessionStatus),
			MaxConcurrentTasks: a.MaxConcurrentTasks,
		})
	}
	for _, tk := range f.Tasks {
		ms.SeedTask(&model.Task{
			ID:       tk.ID,
			Title:    tk.Title,
			Status:   model.TaskStatus(tk.Status),
			Assignee: tk.Assignee,
			Tags:     tk.Tags,
			Orchestrator: model.OrchestratorMeta{
				Branch:        tk.Branch,
				Worktree:      tk.Worktree,
				AssignedAgent: tk.AssignedAgent,
				MergeStatus:   model.MergeStatus(tk.MergeStatus),
			},
		})
	}
}

// LoadAndSeed is the common case: load a fixture file and seed a fresh
// memstore.Store with it in one call.
func LoadAndSeed(path string) (*memstore.Store, Fixture, error) {
	f, err := Load(path)
	if err != nil {
		return nil, Fixture{}, err
	}
	ms := memstore.New()
	Seed(ms, f)
	return ms, f, nil
}
