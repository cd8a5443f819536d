// Package local simulates the batch service on the local machine. Jobs, pools
// and task results live in a SQLite file; task commands execute immediately at
// submission time, directly or inside a container when the pool names an
// image. Because tasks are accepted in dependency order, every dependency has
// finished by the time its dependent is submitted, which is all the gating the
// simulation needs.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/batchkit-dev/batchkit/internal/backend"
	"github.com/batchkit-dev/batchkit/internal/telemetry"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

// Backend runs tasks on the local machine with filesystem-backed state.
type Backend struct {
	store   *store
	workDir string
	shell   string
	docker  bool
}

// New opens (or creates) the simulation state at cfg's state path.
func New(cfg backend.Config) (*Backend, error) {
	path := cfg.Backends.Local.StatePath
	if path == "" {
		path = "batchkit-local.db"
	}
	st, err := openStore(path)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	shell := cfg.Backends.Local.Shell
	if shell == "" {
		shell = "sh"
	}
	return &Backend{
		store:   st,
		workDir: cfg.Backends.Local.WorkDir,
		shell:   shell,
		docker:  cfg.Backends.Local.Docker,
	}, nil
}

func (b *Backend) Name() string { return "local" }

// Close releases the underlying state database.
func (b *Backend) Close() error { return b.store.Close() }

func (b *Backend) CreatePool(ctx context.Context, spec api.PoolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	return b.store.insertPool(ctx, spec)
}

func (b *Backend) DeletePool(ctx context.Context, name string) error {
	return b.store.deletePool(ctx, name)
}

func (b *Backend) CreateJob(ctx context.Context, spec api.JobSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if spec.Pool != "" {
		if _, err := b.store.getPool(ctx, spec.Pool); err != nil {
			return fmt.Errorf("pool %s not found: %w", spec.Pool, err)
		}
	}
	return b.store.insertJob(ctx, spec)
}

func (b *Backend) DeleteJob(ctx context.Context, name string) error {
	return b.store.deleteJob(ctx, name)
}

// SubmitTask accepts one task and executes it before returning. A task whose
// dependency has failed is recorded as failed without running, unless the
// failed dependency was submitted with its run-dependents flag set.
func (b *Backend) SubmitTask(ctx context.Context, job string, req backend.SubmitRequest) (string, error) {
	spec, err := b.store.getJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("job %s not found: %w", job, err)
	}

	seq, err := b.store.nextTaskSeq(ctx, job)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("%s-task-%d", job, seq)

	blocked := false
	for _, dep := range req.DependsOn {
		row, err := b.store.getTask(ctx, job, dep)
		if err != nil {
			return "", fmt.Errorf("unknown dependency %s: %w", dep, err)
		}
		if row.State == api.TaskFailed && !row.RunOnFail {
			blocked = true
		}
	}

	row := taskRow{
		ID:        id,
		Command:   req.Command,
		DependsOn: req.DependsOn,
		RunOnFail: req.RunDependentsOnFailure,
		State:     api.TaskQueued,
	}
	if err := b.store.insertTask(ctx, job, row, seq); err != nil {
		return "", fmt.Errorf("record task: %w", err)
	}

	if blocked {
		if err := b.store.finishTask(ctx, job, id, api.TaskFailed, -1, "", "dependency failed"); err != nil {
			return "", err
		}
		log.Debug().Str("job", job).Str("task", id).Msg("task blocked by failed dependency")
		return id, nil
	}

	retries := req.Retries
	if retries == 0 {
		retries = spec.TaskRetries
	}
	state, exitCode, stdout, stderr := b.runTask(ctx, spec, req, retries)
	if err := b.store.finishTask(ctx, job, id, state, exitCode, stdout, stderr); err != nil {
		return "", err
	}

	telemetry.CounterGlobal("batchkit_local_tasks_executed", 1, map[string]string{
		"job": job, "state": string(state),
	})
	log.Debug().Str("job", job).Str("task", id).Str("state", string(state)).Int("exit_code", exitCode).Msg("task finished")
	return id, nil
}

func (b *Backend) runTask(ctx context.Context, job api.JobSpec, req backend.SubmitRequest, retries int) (api.TaskState, int, string, string) {
	var exitCode int
	var stdout, stderr bytes.Buffer
	for attempt := 0; attempt <= retries; attempt++ {
		stdout.Reset()
		stderr.Reset()

		runCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		cmd := b.command(runCtx, job, req)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		start := time.Now()
		err := cmd.Run()
		telemetry.TimerGlobal("batchkit_local_task_duration", time.Since(start), map[string]string{"job": job.Name})

		if err == nil {
			return api.TaskSucceeded, 0, stdout.String(), stderr.String()
		}
		if exit, ok := err.(*exec.ExitError); ok {
			exitCode = exit.ExitCode()
		} else {
			exitCode = 1
			fmt.Fprintf(&stderr, "%v", err)
		}
		if attempt < retries {
			log.Debug().Str("job", job.Name).Int("attempt", attempt+1).Int("exit_code", exitCode).Msg("task attempt failed, retrying")
		}
	}
	return api.TaskFailed, exitCode, stdout.String(), stderr.String()
}

// command builds the process for a task: a plain shell invocation, or a
// docker run wrapping it when the job's pool declares a container image.
func (b *Backend) command(ctx context.Context, job api.JobSpec, req backend.SubmitRequest) *exec.Cmd {
	var pool api.PoolSpec
	if job.Pool != "" {
		pool, _ = b.store.getPool(ctx, job.Pool)
	}

	var cmd *exec.Cmd
	if b.docker && pool.Image != "" {
		args := []string{"run", "--rm"}
		for _, m := range pool.Mounts {
			args = append(args, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s", m.Source, m.Target))
		}
		for k, v := range req.Env {
			args = append(args, "-e", k+"="+v)
		}
		args = append(args, pool.Image, b.shell, "-c", req.Command)
		cmd = exec.CommandContext(ctx, "docker", args...)
	} else {
		cmd = exec.CommandContext(ctx, b.shell, "-c", req.Command)
		// Task variables extend the inherited environment so commands still
		// resolve through PATH.
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if b.workDir != "" {
		cmd.Dir = b.workDir
	}
	return cmd
}

// Job returns the stored spec of a job.
func (b *Backend) Job(ctx context.Context, name string) (api.JobSpec, error) {
	return b.store.getJob(ctx, name)
}

func (b *Backend) ListTasks(ctx context.Context, job string) ([]api.TaskStatus, error) {
	return b.store.listTasks(ctx, job)
}

func (b *Backend) TaskCounts(ctx context.Context, job string) (api.JobCounts, error) {
	return b.store.taskCounts(ctx, job)
}

// TaskOutput returns the captured stdout and stderr of a finished task.
func (b *Backend) TaskOutput(ctx context.Context, job, id string) (string, string, error) {
	var stdout, stderr string
	err := b.store.db.QueryRowContext(ctx,
		`SELECT stdout, stderr FROM tasks WHERE job = ? AND id = ?`, job, id).
		Scan(&stdout, &stderr)
	if err != nil {
		return "", "", err
	}
	return stdout, stderr, nil
}
