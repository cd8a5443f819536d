package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batchkit-dev/batchkit/internal/dag"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

type taskFile struct {
	Tasks []api.TaskSpec `yaml:"tasks"`
}

// LoadTaskFile reads a YAML task list. Each entry needs a unique name and a
// command; depends_on refers to names declared in the same file.
func LoadTaskFile(path string) ([]api.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s declares no tasks", path)
	}
	seen := make(map[string]struct{}, len(tf.Tasks))
	for i, t := range tf.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i+1)
		}
		if t.Command == "" {
			return nil, fmt.Errorf("task %s has no command", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %s", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return tf.Tasks, nil
}

// BuildGraph assembles task specs into a dependency graph, in declaration
// order. Dependencies must name tasks in the same list.
func BuildGraph(specs []api.TaskSpec) (*dag.Graph, error) {
	g := dag.NewGraph()
	byName := make(map[string]*dag.Task, len(specs))
	for _, s := range specs {
		t := dag.NewTaskWithID(s.Name, s.Command)
		t.Options = dag.Options{
			RunDependentsOnFailure: s.RunDependentsOnFailure,
			Retries:                s.Retries,
			Timeout:                time.Duration(s.TimeoutSeconds) * time.Second,
			Env:                    s.Env,
		}
		g.Add(t)
		byName[s.Name] = t
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			before, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", s.Name, dep)
			}
			g.After(byName[s.Name], before)
		}
	}
	return g, nil
}
