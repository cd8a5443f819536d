// Package hostpool runs tasks on a fixed set of machines reached over SSH.
// Unlike the hosted service there is no remote scheduler: tasks execute at
// submission time on the next host in rotation, and all bookkeeping is held
// in memory for the life of the process.
package hostpool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/batchkit-dev/batchkit/internal/backend"
	"github.com/batchkit-dev/batchkit/internal/ssh"
	"github.com/batchkit-dev/batchkit/internal/telemetry"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

// Runner executes one command on a named host and reports its output and
// exit code. The production runner dials SSH; tests substitute their own.
type Runner interface {
	Run(ctx context.Context, host, command string) (output string, exitCode int, err error)
}

// Host is one machine in the pool.
type Host struct {
	Name string
	Addr string
}

type task struct {
	id        string
	dependsOn []string
	runOnFail bool
	state     api.TaskState
	exitCode  int
	output    string
	host      string
}

type job struct {
	spec  api.JobSpec
	tasks []*task
	byID  map[string]*task
}

// Backend schedules tasks round-robin across the configured hosts.
type Backend struct {
	runner Runner
	hosts  []Host

	mu    sync.Mutex
	next  int
	pools map[string]api.PoolSpec
	jobs  map[string]*job
}

// New builds a host pool backend from configuration, dialing each host with
// the key and known_hosts settings it names.
func New(cfg backend.Config) (*Backend, error) {
	entries := cfg.Backends.HostPool.Hosts
	if len(entries) == 0 {
		return nil, fmt.Errorf("hostpool: no hosts configured")
	}
	hosts := make([]Host, 0, len(entries))
	clients := make(map[string]*ssh.Client, len(entries))
	for _, h := range entries {
		user := h.User
		if user == "" {
			user = cfg.Defaults.User
		}
		port := h.Port
		if port == 0 {
			port = cfg.Defaults.SSHPort
		}
		if port == 0 {
			port = 22
		}
		signer, err := ssh.LoadPrivateKeySigner(h.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Name, err)
		}
		cli := &ssh.Client{
			Addr:    fmt.Sprintf("%s:%d", h.IP, port),
			User:    user,
			Signer:  signer,
			Timeout: 10 * time.Second,
		}
		if cfg.SSH.KnownHosts != "" {
			cb, err := ssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
			if err != nil {
				return nil, fmt.Errorf("known_hosts: %w", err)
			}
			cli.KnownHosts = cb
		}
		hosts = append(hosts, Host{Name: h.Name, Addr: cli.Addr})
		clients[h.Name] = cli
	}
	return NewWithRunner(hosts, &sshRunner{clients: clients}), nil
}

// NewWithRunner builds a backend over an explicit host list and runner.
func NewWithRunner(hosts []Host, r Runner) *Backend {
	return &Backend{
		runner: r,
		hosts:  hosts,
		pools:  make(map[string]api.PoolSpec),
		jobs:   make(map[string]*job),
	}
}

func (b *Backend) Name() string { return "hostpool" }

func (b *Backend) CreatePool(ctx context.Context, spec api.PoolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pools[spec.Name]; ok {
		return fmt.Errorf("pool %s already exists", spec.Name)
	}
	b.pools[spec.Name] = spec
	return nil
}

func (b *Backend) DeletePool(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pools[name]; !ok {
		return fmt.Errorf("pool %s not found", name)
	}
	delete(b.pools, name)
	return nil
}

func (b *Backend) CreateJob(ctx context.Context, spec api.JobSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("job name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if spec.Pool != "" {
		if _, ok := b.pools[spec.Pool]; !ok {
			return fmt.Errorf("pool %s not found", spec.Pool)
		}
	}
	if _, ok := b.jobs[spec.Name]; ok {
		return fmt.Errorf("job %s already exists", spec.Name)
	}
	b.jobs[spec.Name] = &job{spec: spec, byID: make(map[string]*task)}
	return nil
}

func (b *Backend) DeleteJob(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[name]; !ok {
		return fmt.Errorf("job %s not found", name)
	}
	delete(b.jobs, name)
	return nil
}

// SubmitTask records and runs one task. The submitter delivers tasks in
// dependency order, so every dependency has a final state by the time its
// dependent arrives. A failed dependency blocks the task unless that
// dependency was submitted with its run-dependents flag set.
func (b *Backend) SubmitTask(ctx context.Context, jobName string, req backend.SubmitRequest) (string, error) {
	b.mu.Lock()
	j, ok := b.jobs[jobName]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("job %s not found", jobName)
	}

	id := fmt.Sprintf("%s-task-%d", jobName, len(j.tasks)+1)
	blocked := false
	for _, dep := range req.DependsOn {
		row, ok := j.byID[dep]
		if !ok {
			b.mu.Unlock()
			return "", fmt.Errorf("unknown dependency %s", dep)
		}
		if row.state == api.TaskFailed && !row.runOnFail {
			blocked = true
		}
	}

	tk := &task{
		id:        id,
		dependsOn: req.DependsOn,
		runOnFail: req.RunDependentsOnFailure,
		state:     api.TaskQueued,
	}
	j.tasks = append(j.tasks, tk)
	j.byID[id] = tk

	if blocked {
		tk.state = api.TaskFailed
		tk.exitCode = -1
		tk.output = "dependency failed"
		b.mu.Unlock()
		log.Debug().Str("job", jobName).Str("task", id).Msg("task blocked by failed dependency")
		return id, nil
	}

	host := b.hosts[b.next%len(b.hosts)]
	b.next++
	tk.state = api.TaskRunning
	tk.host = host.Name
	b.mu.Unlock()

	retries := req.Retries
	if retries == 0 {
		retries = j.spec.TaskRetries
	}
	state, exitCode, output := b.runTask(ctx, host, req, retries)

	b.mu.Lock()
	tk.state = state
	tk.exitCode = exitCode
	tk.output = output
	b.mu.Unlock()

	telemetry.CounterGlobal("batchkit_hostpool_tasks_executed", 1, map[string]string{
		"job": jobName, "host": host.Name, "state": string(state),
	})
	log.Debug().Str("job", jobName).Str("task", id).Str("host", host.Name).
		Str("state", string(state)).Int("exit_code", exitCode).Msg("task finished")
	return id, nil
}

func (b *Backend) runTask(ctx context.Context, host Host, req backend.SubmitRequest, retries int) (api.TaskState, int, string) {
	command := req.Command
	if len(req.Env) > 0 {
		command = envPrefix(req.Env) + " " + command
	}

	var exitCode int
	var output string
	for attempt := 0; attempt <= retries; attempt++ {
		runCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		start := time.Now()
		out, code, err := b.runner.Run(runCtx, host.Name, command)
		telemetry.TimerGlobal("batchkit_hostpool_task_duration", time.Since(start), map[string]string{"host": host.Name})

		if err != nil {
			exitCode = -1
			output = err.Error()
		} else {
			exitCode = code
			output = out
			if code == 0 {
				return api.TaskSucceeded, 0, output
			}
		}
		if attempt < retries {
			log.Debug().Str("host", host.Name).Int("attempt", attempt+1).Int("exit_code", exitCode).Msg("task attempt failed, retrying")
		}
	}
	return api.TaskFailed, exitCode, output
}

// envPrefix renders environment variables as shell assignments preceding the
// command, with values single-quoted.
func envPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.ReplaceAll(env[k], "'", `'\''`)
		parts = append(parts, fmt.Sprintf("%s='%s'", k, v))
	}
	return strings.Join(parts, " ")
}

func (b *Backend) ListTasks(ctx context.Context, jobName string) ([]api.TaskStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobName]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobName)
	}
	out := make([]api.TaskStatus, 0, len(j.tasks))
	for _, t := range j.tasks {
		out = append(out, api.TaskStatus{ID: t.id, State: t.state, ExitCode: t.exitCode})
	}
	return out, nil
}

func (b *Backend) TaskCounts(ctx context.Context, jobName string) (api.JobCounts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobName]
	if !ok {
		return api.JobCounts{}, fmt.Errorf("job %s not found", jobName)
	}
	var c api.JobCounts
	for _, t := range j.tasks {
		switch t.state {
		case api.TaskQueued:
			c.Queued++
		case api.TaskRunning:
			c.Running++
		case api.TaskSucceeded:
			c.Succeeded++
		case api.TaskFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Job returns the stored spec of a job.
func (b *Backend) Job(ctx context.Context, name string) (api.JobSpec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[name]
	if !ok {
		return api.JobSpec{}, fmt.Errorf("job %s not found", name)
	}
	return j.spec, nil
}

// TaskOutput returns the captured output of a finished task. Remote commands
// are captured as one combined stream, so the stderr half is always empty.
func (b *Backend) TaskOutput(ctx context.Context, jobName, id string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobName]
	if !ok {
		return "", "", fmt.Errorf("job %s not found", jobName)
	}
	t, ok := j.byID[id]
	if !ok {
		return "", "", fmt.Errorf("task %s not found", id)
	}
	return t.output, "", nil
}

// TaskHost names the host a finished task ran on.
func (b *Backend) TaskHost(jobName, id string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobName]
	if !ok {
		return "", fmt.Errorf("job %s not found", jobName)
	}
	t, ok := j.byID[id]
	if !ok {
		return "", fmt.Errorf("task %s not found", id)
	}
	return t.host, nil
}

// sshRunner executes commands over the SSH clients built at startup.
type sshRunner struct {
	clients map[string]*ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, host, command string) (string, int, error) {
	cli, ok := r.clients[host]
	if !ok {
		return "", -1, fmt.Errorf("no client for host %s", host)
	}
	return cli.RunCommand(ctx, command)
}
