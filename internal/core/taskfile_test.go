package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchkit-dev/batchkit/internal/dag"
	"github.com/batchkit-dev/batchkit/pkg/api"
)

func writeTaskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadTaskFile(t *testing.T) {
	path := writeTaskFile(t, `
tasks:
  - name: prep
    command: ./prep.sh
    env:
      MODE: full
  - name: fit
    command: ./fit.sh
    depends_on: [prep]
    retries: 2
    timeout_seconds: 30
  - name: report
    command: ./report.sh
    depends_on: [fit]
    run_dependents_on_failure: true
`)
	specs, err := LoadTaskFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	require.Equal(t, "prep", specs[0].Name)
	require.Equal(t, map[string]string{"MODE": "full"}, specs[0].Env)
	require.Equal(t, []string{"prep"}, specs[1].DependsOn)
	require.Equal(t, 2, specs[1].Retries)
	require.Equal(t, 30, specs[1].TimeoutSeconds)
	require.True(t, specs[2].RunDependentsOnFailure)
}

func TestLoadTaskFileRejectsDuplicates(t *testing.T) {
	path := writeTaskFile(t, `
tasks:
  - name: a
    command: echo one
  - name: a
    command: echo two
`)
	_, err := LoadTaskFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate task name a")
}

func TestLoadTaskFileRejectsMissingFields(t *testing.T) {
	_, err := LoadTaskFile(writeTaskFile(t, "tasks:\n  - command: echo hi\n"))
	require.Error(t, err)

	_, err = LoadTaskFile(writeTaskFile(t, "tasks:\n  - name: a\n"))
	require.Error(t, err)

	_, err = LoadTaskFile(writeTaskFile(t, "tasks: []\n"))
	require.Error(t, err)
}

func TestBuildGraphSubmissionOrder(t *testing.T) {
	specs := []api.TaskSpec{
		{Name: "a", Command: "echo a"},
		{Name: "b", Command: "echo b", DependsOn: []string{"a"}},
		{Name: "c", Command: "echo c", DependsOn: []string{"b"}},
		{Name: "d", Command: "echo d", DependsOn: []string{"a"}},
	}
	g, err := BuildGraph(specs)
	require.NoError(t, err)
	require.Equal(t, 4, g.Len())

	var order []string
	subs, err := dag.Submit(context.Background(), "job", g,
		func(ctx context.Context, job, command string, dependsOn []string, opts dag.Options) (string, error) {
			order = append(order, command)
			return "remote-" + command, nil
		})
	require.NoError(t, err)
	require.Len(t, subs, 4)
	require.Equal(t, []string{"echo a", "echo b", "echo d", "echo c"}, order)
}

func TestBuildGraphCarriesOptions(t *testing.T) {
	specs := []api.TaskSpec{
		{Name: "a", Command: "echo a", Retries: 3, TimeoutSeconds: 90,
			RunDependentsOnFailure: true, Env: map[string]string{"K": "v"}},
	}
	g, err := BuildGraph(specs)
	require.NoError(t, err)

	task := g.Tasks()[0]
	require.Equal(t, 3, task.Options.Retries)
	require.Equal(t, 90*time.Second, task.Options.Timeout)
	require.True(t, task.Options.RunDependentsOnFailure)
	require.Equal(t, map[string]string{"K": "v"}, task.Options.Env)
}

func TestBuildGraphUnknownDependency(t *testing.T) {
	_, err := BuildGraph([]api.TaskSpec{
		{Name: "a", Command: "echo a", DependsOn: []string{"ghost"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown task ghost")
}
