package dag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/batchkit-dev/batchkit/internal/telemetry"
)

// SubmitFunc is the external submission interface: it hands one task to the
// job-execution service and returns the service-assigned identifier.
// dependsOn carries remote IDs only, never local placeholders.
type SubmitFunc func(ctx context.Context, job, command string, dependsOn []string, opts Options) (string, error)

// Submission records one accepted task.
type Submission struct {
	LocalID  string
	RemoteID string
}

// Submit validates the graph and submits every task to the execution service
// in dependency order, one at a time. Each task's declared dependencies are
// resolved to remote IDs at the moment that task is submitted.
//
// Ordering is deterministic: tasks whose dependencies are all resolved are
// submitted in the order they were first added to the graph. Validation is
// fail-fast; on ErrCycle or ErrDanglingDependency nothing has been submitted.
// On a submission failure the returned *SubmitError lists the tasks already
// accepted; those stay submitted and are not rolled back.
func Submit(ctx context.Context, job string, g *Graph, fn SubmitFunc) ([]Submission, error) {
	if g == nil || len(g.tasks) == 0 {
		return nil, ErrEmptyGraph
	}

	deps, dependents, err := g.adjacency()
	if err != nil {
		return nil, err
	}

	order, err := topoOrder(g.tasks, deps, dependents)
	if err != nil {
		return nil, err
	}

	submitted := make([]Submission, 0, len(order))
	for _, ti := range order {
		t := g.tasks[ti]

		depIDs := make([]string, 0, len(deps[ti]))
		for _, di := range deps[ti] {
			id, ok := g.tasks[di].RemoteID()
			if !ok {
				return submitted, fmt.Errorf("%w: dependency %s of %s has no remote ID at submission time",
					ErrInternal, g.tasks[di].LocalID(), t.LocalID())
			}
			depIDs = append(depIDs, id)
		}

		remoteID, err := fn(ctx, job, t.Command, depIDs, t.Options)
		if err != nil {
			telemetry.CounterGlobal("batchkit_dag_submit_failures", 1, map[string]string{"job": job})
			return submitted, &SubmitError{Task: t, Submitted: submitted, Err: err}
		}
		if err := t.setRemoteID(remoteID); err != nil {
			return submitted, err
		}
		submitted = append(submitted, Submission{LocalID: t.LocalID(), RemoteID: remoteID})

		log.Debug().
			Str("job", job).
			Str("local_id", t.LocalID()).
			Str("remote_id", remoteID).
			Strs("depends_on", depIDs).
			Msg("task submitted")
	}

	telemetry.CounterGlobal("batchkit_dag_tasks_submitted", float64(len(submitted)), map[string]string{"job": job})
	return submitted, nil
}

// adjacency maps the declared edges onto task indices. A dependency on a task
// that was never added to the graph is a caller error.
func (g *Graph) adjacency() (deps, dependents [][]int, err error) {
	deps = make([][]int, len(g.tasks))
	dependents = make([][]int, len(g.tasks))
	for _, e := range g.edges {
		ti := g.index[e.task]
		di, ok := g.index[e.dep]
		if !ok {
			return nil, nil, fmt.Errorf("%w: task %s depends on %s, which is not part of this submission",
				ErrDanglingDependency, e.task.LocalID(), e.dep.LocalID())
		}
		deps[ti] = append(deps[ti], di)
		dependents[di] = append(dependents[di], ti)
	}
	return deps, dependents, nil
}

// topoOrder computes a topological ordering over task indices using Kahn's
// algorithm. The ready queue is FIFO and is seeded, and extended, in original
// insertion order, which fixes the tie-break among independent tasks.
func topoOrder(tasks []*Task, deps, dependents [][]int) ([]int, error) {
	indeg := make([]int, len(tasks))
	for i := range deps {
		indeg[i] = len(deps[i])
	}

	queue := make([]int, 0, len(tasks))
	for i := range tasks {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(tasks))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		// Newly ready dependents enter the queue lowest insertion index first.
		ready := make([]int, 0, len(dependents[n]))
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
		sort.Ints(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(tasks) {
		var stuck []string
		emitted := make(map[int]bool, len(order))
		for _, i := range order {
			emitted[i] = true
		}
		for i, t := range tasks {
			if !emitted[i] {
				stuck = append(stuck, t.LocalID())
			}
		}
		return nil, fmt.Errorf("%w: involving %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}
