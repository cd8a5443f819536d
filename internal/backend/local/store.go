package local

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/batchkit-dev/batchkit/pkg/api"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// store is the SQLite-backed state of the simulated batch service.
type store struct{ db *sql.DB }

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *store) Close() error { return s.db.Close() }

func (s *store) insertPool(ctx context.Context, spec api.PoolSpec) error {
	mounts := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, m.Source+":"+m.Target)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pools (name, size, image, mounts) VALUES (?, ?, ?, ?)`,
		spec.Name, spec.Size, spec.Image, strings.Join(mounts, " "))
	return err
}

func (s *store) deletePool(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pools WHERE name = ?`, name)
	return err
}

func (s *store) getPool(ctx context.Context, name string) (api.PoolSpec, error) {
	var spec api.PoolSpec
	var mounts string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, size, image, mounts FROM pools WHERE name = ?`, name).
		Scan(&spec.Name, &spec.Size, &spec.Image, &mounts)
	if err != nil {
		return api.PoolSpec{}, err
	}
	for _, pair := range strings.Fields(mounts) {
		if src, dst, ok := strings.Cut(pair, ":"); ok {
			spec.Mounts = append(spec.Mounts, api.MountSpec{Source: src, Target: dst})
		}
	}
	return spec, nil
}

func (s *store) insertJob(ctx context.Context, spec api.JobSpec) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, pool, uses_deps, task_retries, save_logs, log_bucket) VALUES (?, ?, ?, ?, ?, ?)`,
		spec.Name, spec.Pool, spec.UsesTaskDependencies, spec.TaskRetries, spec.SaveLogs, spec.LogBucket)
	return err
}

func (s *store) deleteJob(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE job = ?`, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	return err
}

func (s *store) getJob(ctx context.Context, name string) (api.JobSpec, error) {
	var spec api.JobSpec
	err := s.db.QueryRowContext(ctx,
		`SELECT name, pool, uses_deps, task_retries, save_logs, log_bucket FROM jobs WHERE name = ?`, name).
		Scan(&spec.Name, &spec.Pool, &spec.UsesTaskDependencies, &spec.TaskRetries, &spec.SaveLogs, &spec.LogBucket)
	if err != nil {
		return api.JobSpec{}, err
	}
	return spec, nil
}

func (s *store) nextTaskSeq(ctx context.Context, job string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks WHERE job = ?`, job).Scan(&seq)
	return seq, err
}

type taskRow struct {
	ID        string
	Command   string
	DependsOn []string
	RunOnFail bool
	State     api.TaskState
	ExitCode  int
}

func (s *store) insertTask(ctx context.Context, job string, row taskRow, seq int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (job, id, seq, command, depends_on, run_on_fail, state, exit_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job, row.ID, seq, row.Command, strings.Join(row.DependsOn, " "), row.RunOnFail, row.State, row.ExitCode)
	return err
}

func (s *store) getTask(ctx context.Context, job, id string) (taskRow, error) {
	var row taskRow
	var deps string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, depends_on, run_on_fail, state, exit_code FROM tasks WHERE job = ? AND id = ?`,
		job, id).
		Scan(&row.ID, &row.Command, &deps, &row.RunOnFail, &row.State, &row.ExitCode)
	if err != nil {
		return taskRow{}, err
	}
	row.DependsOn = strings.Fields(deps)
	return row, nil
}

func (s *store) finishTask(ctx context.Context, job, id string, state api.TaskState, exitCode int, stdout, stderr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, exit_code = ?, stdout = ?, stderr = ? WHERE job = ? AND id = ?`,
		state, exitCode, stdout, stderr, job, id)
	return err
}

func (s *store) listTasks(ctx context.Context, job string) ([]api.TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, exit_code FROM tasks WHERE job = ? ORDER BY seq`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.TaskStatus
	for rows.Next() {
		var st api.TaskStatus
		if err := rows.Scan(&st.ID, &st.State, &st.ExitCode); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *store) taskCounts(ctx context.Context, job string) (api.JobCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks WHERE job = ? GROUP BY state`, job)
	if err != nil {
		return api.JobCounts{}, err
	}
	defer rows.Close()
	var counts api.JobCounts
	for rows.Next() {
		var state api.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return api.JobCounts{}, err
		}
		switch state {
		case api.TaskQueued:
			counts.Queued = n
		case api.TaskRunning:
			counts.Running = n
		case api.TaskSucceeded:
			counts.Succeeded = n
		case api.TaskFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}
