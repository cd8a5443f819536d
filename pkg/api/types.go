package api

// v0 contains public types shared by the backends and the CLI.

// TaskState is the lifecycle state of a task as reported by a backend.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskSpec describes one unit of remote command execution, as declared in a
// task file or assembled programmatically. DependsOn names other tasks in the
// same submission by their declared name.
type TaskSpec struct {
	Name                   string            `json:"name" yaml:"name"`
	Command                string            `json:"command" yaml:"command"`
	DependsOn              []string          `json:"depends_on" yaml:"depends_on"`
	RunDependentsOnFailure bool              `json:"run_dependents_on_failure" yaml:"run_dependents_on_failure"`
	Retries                int               `json:"retries" yaml:"retries"`
	TimeoutSeconds         int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	Env                    map[string]string `json:"env" yaml:"env"`
}

// JobSpec describes a named collection of tasks sharing a pool assignment.
type JobSpec struct {
	Name                 string `json:"name" yaml:"name"`
	Pool                 string `json:"pool" yaml:"pool"`
	UsesTaskDependencies bool   `json:"uses_task_dependencies" yaml:"uses_task_dependencies"`
	TaskRetries          int    `json:"task_retries" yaml:"task_retries"`
	SaveLogs             bool   `json:"save_logs" yaml:"save_logs"`
	LogBucket            string `json:"log_bucket" yaml:"log_bucket"`
}

// MountSpec is a source/target pair bind-mounted into task containers.
type MountSpec struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// PoolSpec describes a set of compute nodes that execute submitted tasks.
type PoolSpec struct {
	Name   string      `json:"name" yaml:"name"`
	Size   int         `json:"size" yaml:"size"`
	Image  string      `json:"image" yaml:"image"`
	Mounts []MountSpec `json:"mounts" yaml:"mounts"`
}

// TaskStatus is a backend's view of a submitted task.
type TaskStatus struct {
	ID       string    `json:"id"`
	State    TaskState `json:"state"`
	ExitCode int       `json:"exit_code"`
}

// JobCounts aggregates task states for one job.
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of tasks the counts cover.
func (c JobCounts) Total() int {
	return c.Queued + c.Running + c.Succeeded + c.Failed
}

// Done reports whether every task has reached a terminal state.
func (c JobCounts) Done() bool {
	return c.Total() > 0 && c.Queued == 0 && c.Running == 0
}
