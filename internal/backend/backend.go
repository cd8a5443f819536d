package backend

import (
	"context"
	"time"

	"github.com/batchkit-dev/batchkit/internal/dag"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

// SubmitRequest describes one task handed to a backend. DependsOn carries the
// backend's own task identifiers, fully resolved before the call.
type SubmitRequest struct {
	Command                string
	DependsOn              []string
	RunDependentsOnFailure bool
	Retries                int
	Timeout                time.Duration
	Env                    map[string]string
}

// Backend is a job-execution service: the hosted batch API, the local
// simulation, or a pool of SSH hosts.
type Backend interface {
	Name() string
	CreatePool(ctx context.Context, spec api.PoolSpec) error
	DeletePool(ctx context.Context, name string) error
	CreateJob(ctx context.Context, spec api.JobSpec) error
	DeleteJob(ctx context.Context, name string) error
	// SubmitTask submits one task into a job and returns the identifier the
	// backend will use to track it.
	SubmitTask(ctx context.Context, job string, req SubmitRequest) (string, error)
	ListTasks(ctx context.Context, job string) ([]api.TaskStatus, error)
	TaskCounts(ctx context.Context, job string) (api.JobCounts, error)
}

// DAGSubmit adapts a backend to the DAG submitter's submission interface.
func DAGSubmit(be Backend) dag.SubmitFunc {
	return func(ctx context.Context, job, command string, dependsOn []string, opts dag.Options) (string, error) {
		return be.SubmitTask(ctx, job, SubmitRequest{
			Command:                command,
			DependsOn:              dependsOn,
			RunDependentsOnFailure: opts.RunDependentsOnFailure,
			Retries:                opts.Retries,
			Timeout:                opts.Timeout,
			Env:                    opts.Env,
		})
	}
}
