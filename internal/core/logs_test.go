package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchkit-dev/batchkit/pkg/api"
)

type fakeOutputBackend struct {
	tasks   []api.TaskStatus
	outputs map[string][2]string
}

func (f *fakeOutputBackend) ListTasks(ctx context.Context, job string) ([]api.TaskStatus, error) {
	return f.tasks, nil
}

func (f *fakeOutputBackend) TaskOutput(ctx context.Context, job, id string) (string, string, error) {
	out, ok := f.outputs[id]
	if !ok {
		return "", "", errors.New("no output: " + id)
	}
	return out[0], out[1], nil
}

type recordingUploader struct {
	saved map[string][2]string
	fail  bool
}

func (u *recordingUploader) SaveTaskLogs(ctx context.Context, job, task, stdout, stderr string) error {
	if u.fail {
		return errors.New("bucket gone")
	}
	if u.saved == nil {
		u.saved = map[string][2]string{}
	}
	u.saved[job+"/"+task] = [2]string{stdout, stderr}
	return nil
}

func TestSaveJobLogsSkipsUnfinishedTasks(t *testing.T) {
	b := &fakeOutputBackend{
		tasks: []api.TaskStatus{
			{ID: "t1", State: api.TaskSucceeded},
			{ID: "t2", State: api.TaskRunning},
			{ID: "t3", State: api.TaskFailed},
			{ID: "t4", State: api.TaskQueued},
		},
		outputs: map[string][2]string{
			"t1": {"hello\n", ""},
			"t3": {"", "boom\n"},
		},
	}
	up := &recordingUploader{}

	saved, err := SaveJobLogs(context.Background(), b, up, "batch")
	require.NoError(t, err)
	require.Equal(t, 2, saved)
	require.Equal(t, [2]string{"hello\n", ""}, up.saved["batch/t1"])
	require.Equal(t, [2]string{"", "boom\n"}, up.saved["batch/t3"])
	require.NotContains(t, up.saved, "batch/t2")
	require.NotContains(t, up.saved, "batch/t4")
}

func TestSaveJobLogsUploadError(t *testing.T) {
	b := &fakeOutputBackend{
		tasks:   []api.TaskStatus{{ID: "t1", State: api.TaskSucceeded}},
		outputs: map[string][2]string{"t1": {"out", ""}},
	}
	saved, err := SaveJobLogs(context.Background(), b, &recordingUploader{fail: true}, "batch")
	require.Error(t, err)
	require.Zero(t, saved)
}
