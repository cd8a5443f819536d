// Package cloud talks to the hosted batch service over its REST API.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/batchkit-dev/batchkit/internal/backend"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

// Client is a backend.Backend speaking to the batch service REST API.
type Client struct {
	endpoint   string
	token      string
	apiVersion string
	client     *http.Client
	maxRetries int
}

// New creates a cloud backend from configuration. The token is opaque; how it
// was obtained is the credential layer's business.
func New(cfg backend.Config) *Client {
	return &Client{
		endpoint:   strings.TrimRight(cfg.Backends.Cloud.Endpoint, "/"),
		token:      cfg.Backends.Cloud.Token,
		apiVersion: cfg.Backends.Cloud.APIVersion,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries: 3,
	}
}

func (c *Client) Name() string { return "cloud" }

type poolCreateRequest struct {
	ID     string      `json:"id"`
	Size   int         `json:"targetNodes"`
	Image  string      `json:"containerImage,omitempty"`
	Mounts []mountPair `json:"mounts,omitempty"`
}

type mountPair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type jobCreateRequest struct {
	ID                   string `json:"id"`
	PoolID               string `json:"poolId"`
	UsesTaskDependencies bool   `json:"usesTaskDependencies"`
	TaskRetries          int    `json:"maxTaskRetryCount,omitempty"`
	SaveLogs             bool   `json:"saveLogs,omitempty"`
	LogBucket            string `json:"logBucket,omitempty"`
}

type taskAddRequest struct {
	CommandLine            string            `json:"commandLine"`
	DependsOn              *taskDependencies `json:"dependsOn,omitempty"`
	RunDependentsOnFailure bool              `json:"runDependentsOnFailure,omitempty"`
	MaxRetries             int               `json:"maxRetries,omitempty"`
	TimeoutSeconds         int               `json:"timeoutSeconds,omitempty"`
	Env                    map[string]string `json:"env,omitempty"`
}

type taskDependencies struct {
	TaskIDs []string `json:"taskIds"`
}

type taskAddResponse struct {
	ID string `json:"id"`
}

type remoteTask struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	ExitCode int    `json:"exitCode"`
}

func (c *Client) CreatePool(ctx context.Context, spec api.PoolSpec) error {
	req := poolCreateRequest{ID: spec.Name, Size: spec.Size, Image: spec.Image}
	for _, m := range spec.Mounts {
		req.Mounts = append(req.Mounts, mountPair{Source: m.Source, Target: m.Target})
	}
	return c.doRequest(ctx, http.MethodPost, "/pools", req, nil)
}

func (c *Client) DeletePool(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodDelete, "/pools/"+name, nil, nil)
}

func (c *Client) CreateJob(ctx context.Context, spec api.JobSpec) error {
	req := jobCreateRequest{
		ID:                   spec.Name,
		PoolID:               spec.Pool,
		UsesTaskDependencies: spec.UsesTaskDependencies,
		TaskRetries:          spec.TaskRetries,
		SaveLogs:             spec.SaveLogs,
		LogBucket:            spec.LogBucket,
	}
	return c.doRequest(ctx, http.MethodPost, "/jobs", req, nil)
}

func (c *Client) DeleteJob(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodDelete, "/jobs/"+name, nil, nil)
}

func (c *Client) SubmitTask(ctx context.Context, job string, req backend.SubmitRequest) (string, error) {
	body := taskAddRequest{
		CommandLine:            req.Command,
		RunDependentsOnFailure: req.RunDependentsOnFailure,
		MaxRetries:             req.Retries,
		TimeoutSeconds:         int(req.Timeout / time.Second),
		Env:                    req.Env,
	}
	if len(req.DependsOn) > 0 {
		body.DependsOn = &taskDependencies{TaskIDs: req.DependsOn}
	}
	var resp taskAddResponse
	if err := c.doRequest(ctx, http.MethodPost, "/jobs/"+job+"/tasks", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("batch api returned no task id")
	}
	return resp.ID, nil
}

func (c *Client) ListTasks(ctx context.Context, job string) ([]api.TaskStatus, error) {
	var resp struct {
		Data []remoteTask `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/jobs/"+job+"/tasks", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]api.TaskStatus, 0, len(resp.Data))
	for _, t := range resp.Data {
		out = append(out, api.TaskStatus{ID: t.ID, State: mapState(t.State), ExitCode: t.ExitCode})
	}
	return out, nil
}

func (c *Client) TaskCounts(ctx context.Context, job string) (api.JobCounts, error) {
	tasks, err := c.ListTasks(ctx, job)
	if err != nil {
		return api.JobCounts{}, err
	}
	var counts api.JobCounts
	for _, t := range tasks {
		switch t.State {
		case api.TaskQueued:
			counts.Queued++
		case api.TaskRunning:
			counts.Running++
		case api.TaskSucceeded:
			counts.Succeeded++
		case api.TaskFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func mapState(s string) api.TaskState {
	switch s {
	case "active", "preparing", "queued":
		return api.TaskQueued
	case "running":
		return api.TaskRunning
	case "succeeded", "success":
		return api.TaskSucceeded
	default:
		return api.TaskFailed
	}
}

// doRequest performs an HTTP request against the batch API with retry on rate
// limits and server errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.endpoint + path
	if c.apiVersion != "" {
		url += "?api-version=" + c.apiVersion
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt < c.maxRetries-1 {
				sleepBackoff(ctx, attempt)
				continue
			}
			return fmt.Errorf("do request: %w", err)
		}

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				if attempt < c.maxRetries-1 {
					log.Warn().
						Int("status", resp.StatusCode).
						Int("attempt", attempt+1).
						Str("path", path).
						Msg("batch api request failed, retrying")
					sleepBackoff(ctx, attempt)
					continue
				}
			}
			return fmt.Errorf("batch api error %d: %s", resp.StatusCode, string(msg))
		}

		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				resp.Body.Close()
				return fmt.Errorf("decode response: %w", err)
			}
		}
		resp.Body.Close()
		return nil
	}

	return fmt.Errorf("max retries exceeded")
}

func sleepBackoff(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(attempt+1) * time.Second):
	}
}
