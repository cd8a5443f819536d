package dag

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Options are per-task settings passed through to the execution service at
// submission time. The submitter does not evaluate them.
type Options struct {
	// RunDependentsOnFailure lets dependents start even if this task fails.
	// When false (the default) the service blocks dependents of a failed task.
	RunDependentsOnFailure bool
	Retries                int
	Timeout                time.Duration
	Env                    map[string]string
}

// Task is a unit of work to submit for remote execution. The command is an
// opaque string; nothing in this package parses it.
type Task struct {
	Command string
	Options Options

	localID  string
	remoteID string
}

// NewTask creates a task with a generated local identifier. The local ID only
// exists to express dependency edges before submission and is never sent to
// the execution service.
func NewTask(command string) *Task {
	return &Task{Command: command, localID: uuid.NewString()}
}

// NewTaskWithID creates a task with a caller-chosen local identifier.
func NewTaskWithID(localID, command string) *Task {
	return &Task{Command: command, localID: localID}
}

// LocalID returns the pre-submission identifier of the task.
func (t *Task) LocalID() string { return t.localID }

// RemoteID returns the service-assigned identifier and whether the task has
// been submitted yet.
func (t *Task) RemoteID() (string, bool) { return t.remoteID, t.remoteID != "" }

func (t *Task) setRemoteID(id string) error {
	if t.remoteID != "" {
		return fmt.Errorf("%w: remote ID for %s assigned twice", ErrInternal, t.localID)
	}
	t.remoteID = id
	return nil
}

type edge struct {
	task *Task
	dep  *Task
}

// Graph collects tasks and their dependency edges for one submission call.
// Edges are declared explicitly on the graph rather than by mutating tasks,
// so the finished edge set can be validated in one place before anything is
// submitted. Graph is not safe for concurrent use.
type Graph struct {
	tasks []*Task
	index map[*Task]int
	edges []edge
	seen  map[edge]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[*Task]int),
		seen:  make(map[edge]struct{}),
	}
}

// Add registers a task with the graph. Adding the same task twice is a no-op.
// The order of first addition is the tie-break order used during submission.
func (g *Graph) Add(tasks ...*Task) {
	for _, t := range tasks {
		if _, ok := g.index[t]; ok {
			continue
		}
		g.index[t] = len(g.tasks)
		g.tasks = append(g.tasks, t)
	}
}

// After declares that t runs after every task in deps. Dependencies must also
// be added to the graph before submission; one that never is surfaces as
// ErrDanglingDependency from Submit.
func (g *Graph) After(t *Task, deps ...*Task) {
	g.Add(t)
	for _, d := range deps {
		e := edge{task: t, dep: d}
		if _, dup := g.seen[e]; dup {
			continue
		}
		g.seen[e] = struct{}{}
		g.edges = append(g.edges, e)
	}
}

// Before declares that t runs before every task in dependents. It is the
// mirror of After.
func (g *Graph) Before(t *Task, dependents ...*Task) {
	g.Add(t)
	for _, d := range dependents {
		g.After(d, t)
	}
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }

// Tasks returns the tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Dependencies returns the declared dependencies of t in declaration order.
// Dangling references are included; Submit is where they become an error.
func (g *Graph) Dependencies(t *Task) []*Task {
	var out []*Task
	for _, e := range g.edges {
		if e.task == t {
			out = append(out, e.dep)
		}
	}
	return out
}
