package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/batchkit-dev/batchkit/internal/telemetry"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

// ErrMonitorTimeout reports that a job did not finish within the monitor window.
var ErrMonitorTimeout = errors.New("monitor timed out")

// TaskCounter reports task state counts for a job. All backends satisfy it.
type TaskCounter interface {
	TaskCounts(ctx context.Context, job string) (api.JobCounts, error)
}

// Monitor polls a job until every task reaches a final state.
type Monitor struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Wait polls until the job is done, the timeout elapses, or the context is
// cancelled. It returns the last observed counts either way.
func (m Monitor) Wait(ctx context.Context, job string, counter TaskCounter) (api.JobCounts, error) {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Time{}
	if m.Timeout > 0 {
		deadline = time.Now().Add(m.Timeout)
	}

	var counts api.JobCounts
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var err error
		counts, err = counter.TaskCounts(ctx, job)
		if err != nil {
			return counts, fmt.Errorf("poll %s: %w", job, err)
		}
		telemetry.CounterGlobal("batchkit_monitor_polls", 1, map[string]string{"job": job})
		log.Info().Str("job", job).
			Int("completed", counts.Succeeded+counts.Failed).
			Int("running", counts.Running).
			Int("remaining", counts.Queued).
			Int("successes", counts.Succeeded).
			Int("failures", counts.Failed).
			Msg("job progress")
		if counts.Done() {
			return counts, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return counts, fmt.Errorf("job %s after %s: %w", job, m.Timeout, ErrMonitorTimeout)
		}
		select {
		case <-ctx.Done():
			return counts, ctx.Err()
		case <-ticker.C:
		}
	}
}
