package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/batchkit-dev/batchkit/internal/telemetry"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

// LogUploader stores the captured output streams of one task. The storage
// client satisfies it.
type LogUploader interface {
	SaveTaskLogs(ctx context.Context, job, task, stdout, stderr string) error
}

// TaskOutputter is satisfied by backends that keep per-task output around
// after execution.
type TaskOutputter interface {
	ListTasks(ctx context.Context, job string) ([]api.TaskStatus, error)
	TaskOutput(ctx context.Context, job, id string) (string, string, error)
}

// SaveJobLogs uploads the stdout and stderr of every finished task in a job.
// Tasks still queued or running are skipped. It returns how many tasks had
// their logs stored.
func SaveJobLogs(ctx context.Context, b TaskOutputter, up LogUploader, job string) (int, error) {
	tasks, err := b.ListTasks(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("list tasks for %s: %w", job, err)
	}
	saved := 0
	for _, t := range tasks {
		if t.State != api.TaskSucceeded && t.State != api.TaskFailed {
			continue
		}
		stdout, stderr, err := b.TaskOutput(ctx, job, t.ID)
		if err != nil {
			return saved, fmt.Errorf("read output of %s: %w", t.ID, err)
		}
		if err := up.SaveTaskLogs(ctx, job, t.ID, stdout, stderr); err != nil {
			return saved, fmt.Errorf("save logs of %s: %w", t.ID, err)
		}
		saved++
	}
	telemetry.CounterGlobal("batchkit_logs_saved", float64(saved), map[string]string{"job": job})
	log.Info().Str("job", job).Int("tasks", saved).Msg("task logs stored")
	return saved, nil
}
