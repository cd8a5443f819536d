package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchkit-dev/batchkit/internal/backend"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

func newTestClient(url string) *Client {
	var cfg backend.Config
	cfg.Backends.Cloud.Endpoint = url
	cfg.Backends.Cloud.Token = "test-token"
	return New(cfg)
}

func TestSubmitTaskSendsResolvedDependencies(t *testing.T) {
	var got taskAddRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/jobs/job-1/tasks", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(taskAddResponse{ID: "task-42"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.SubmitTask(context.Background(), "job-1", backend.SubmitRequest{
		Command:                "python step.py",
		DependsOn:              []string{"task-40", "task-41"},
		RunDependentsOnFailure: true,
		Retries:                2,
		Timeout:                90 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-42", id)
	assert.Equal(t, "python step.py", got.CommandLine)
	require.NotNil(t, got.DependsOn)
	assert.Equal(t, []string{"task-40", "task-41"}, got.DependsOn.TaskIDs)
	assert.True(t, got.RunDependentsOnFailure)
	assert.Equal(t, 90, got.TimeoutSeconds)
}

func TestSubmitTaskServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"TaskExists"}`, http.StatusConflict)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.SubmitTask(context.Background(), "job-1", backend.SubmitRequest{Command: "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestSubmitTaskRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(taskAddResponse{ID: "task-1"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.SubmitTask(context.Background(), "job-1", backend.SubmitRequest{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, 2, attempts)
}

func TestTaskCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/job-1/tasks", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []remoteTask{
				{ID: "t1", State: "active"},
				{ID: "t2", State: "running"},
				{ID: "t3", State: "succeeded"},
				{ID: "t4", State: "failed", ExitCode: 1},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	counts, err := c.TaskCounts(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, api.JobCounts{Queued: 1, Running: 1, Succeeded: 1, Failed: 1}, counts)
	assert.False(t, counts.Done())
}

func TestCreateJobPayload(t *testing.T) {
	var got jobCreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.CreateJob(context.Background(), api.JobSpec{
		Name:                 "job-1",
		Pool:                 "pool-1",
		UsesTaskDependencies: true,
		TaskRetries:          3,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "pool-1", got.PoolID)
	assert.True(t, got.UsesTaskDependencies)
	assert.Equal(t, 3, got.TaskRetries)
}
