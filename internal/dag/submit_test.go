package dag

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingService assigns sequential remote IDs and records every call.
type recordingService struct {
	calls   []submitCall
	failAt  int // 0-indexed call to fail on; -1 never fails
	nextSeq int
}

type submitCall struct {
	job       string
	command   string
	dependsOn []string
	opts      Options
}

func newRecordingService() *recordingService {
	return &recordingService{failAt: -1}
}

func (s *recordingService) submit(_ context.Context, job, command string, dependsOn []string, opts Options) (string, error) {
	if s.failAt >= 0 && len(s.calls) == s.failAt {
		return "", errors.New("service unavailable")
	}
	s.calls = append(s.calls, submitCall{job: job, command: command, dependsOn: dependsOn, opts: opts})
	s.nextSeq++
	return fmt.Sprintf("task-%d", s.nextSeq), nil
}

func (s *recordingService) commands() []string {
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.command)
	}
	return out
}

func TestSubmitIndependentTasksKeepInputOrder(t *testing.T) {
	a := NewTaskWithID("a", "echo a")
	b := NewTaskWithID("b", "echo b")
	c := NewTaskWithID("c", "echo c")

	g := NewGraph()
	g.Add(a, b, c)
	g.After(c, a, b)

	svc := newRecordingService()
	subs, err := Submit(context.Background(), "job-1", g, svc.submit)
	require.NoError(t, err)

	assert.Equal(t, []string{"echo a", "echo b", "echo c"}, svc.commands())
	require.Len(t, subs, 3)
	assert.Equal(t, Submission{LocalID: "a", RemoteID: "task-1"}, subs[0])
	assert.Equal(t, Submission{LocalID: "b", RemoteID: "task-2"}, subs[1])
	assert.Equal(t, Submission{LocalID: "c", RemoteID: "task-3"}, subs[2])

	// C's dependency list must carry remote IDs, not local placeholders.
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, svc.calls[2].dependsOn)
}

func TestSubmitDiamondOrder(t *testing.T) {
	a := NewTaskWithID("a", "step a")
	b := NewTaskWithID("b", "step b")
	c := NewTaskWithID("c", "step c")
	d := NewTaskWithID("d", "step d")

	g := NewGraph()
	g.Add(a, b, c, d)
	g.After(b, a)
	g.After(c, b)
	g.After(d, a)

	svc := newRecordingService()
	_, err := Submit(context.Background(), "job-1", g, svc.submit)
	require.NoError(t, err)

	// B and D both become ready once A is accepted; B was added first.
	assert.Equal(t, []string{"step a", "step b", "step d", "step c"}, svc.commands())
}

func TestSubmitOrderIsIdempotent(t *testing.T) {
	build := func() *Graph {
		a := NewTaskWithID("a", "a")
		b := NewTaskWithID("b", "b")
		c := NewTaskWithID("c", "c")
		d := NewTaskWithID("d", "d")
		e := NewTaskWithID("e", "e")
		g := NewGraph()
		g.Add(a, b, c, d, e)
		g.After(c, a)
		g.After(d, b, c)
		g.After(e, a)
		return g
	}

	first := newRecordingService()
	_, err := Submit(context.Background(), "job-1", build(), first.submit)
	require.NoError(t, err)

	second := newRecordingService()
	_, err = Submit(context.Background(), "job-1", build(), second.submit)
	require.NoError(t, err)

	assert.Equal(t, first.commands(), second.commands())
}

func TestSubmitCycleFailsFast(t *testing.T) {
	x := NewTaskWithID("x", "x")
	y := NewTaskWithID("y", "y")

	g := NewGraph()
	g.Add(x, y)
	g.After(x, y)
	g.After(y, x)

	svc := newRecordingService()
	_, err := Submit(context.Background(), "job-1", g, svc.submit)
	require.ErrorIs(t, err, ErrCycle)
	assert.Empty(t, svc.calls, "no submission may happen once a cycle is found")
}

func TestSubmitDanglingDependency(t *testing.T) {
	a := NewTaskWithID("a", "a")
	b := NewTaskWithID("b", "b")
	outsider := NewTaskWithID("outsider", "nope")

	g := NewGraph()
	g.Add(a, b)
	g.After(b, outsider)

	svc := newRecordingService()
	_, err := Submit(context.Background(), "job-1", g, svc.submit)
	require.ErrorIs(t, err, ErrDanglingDependency)
	assert.Empty(t, svc.calls)
}

func TestSubmitEmptyGraph(t *testing.T) {
	_, err := Submit(context.Background(), "job-1", NewGraph(), newRecordingService().submit)
	require.ErrorIs(t, err, ErrEmptyGraph)
}

func TestSubmitPartialFailure(t *testing.T) {
	a := NewTaskWithID("a", "a")
	b := NewTaskWithID("b", "b")
	c := NewTaskWithID("c", "c")

	g := NewGraph()
	g.Add(a, b, c)
	g.After(b, a)
	g.After(c, b)

	svc := newRecordingService()
	svc.failAt = 2 // reject C

	subs, err := Submit(context.Background(), "job-1", g, svc.submit)

	var serr *SubmitError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, c, serr.Task)
	require.Len(t, serr.Submitted, 2)
	assert.Equal(t, serr.Submitted, subs)

	// The two accepted tasks keep their remote IDs; the rejected one has none.
	for i, task := range []*Task{a, b} {
		id, ok := task.RemoteID()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("task-%d", i+1), id)
	}
	_, ok := c.RemoteID()
	assert.False(t, ok)
}

func TestSubmitEveryTaskGetsOneRemoteID(t *testing.T) {
	g := NewGraph()
	var tasks []*Task
	for i := 0; i < 8; i++ {
		task := NewTask(fmt.Sprintf("cmd %d", i))
		tasks = append(tasks, task)
		g.Add(task)
	}
	g.After(tasks[4], tasks[0], tasks[1])
	g.After(tasks[5], tasks[4])
	g.After(tasks[6], tasks[2])
	g.After(tasks[7], tasks[5], tasks[6])

	svc := newRecordingService()
	subs, err := Submit(context.Background(), "job-1", g, svc.submit)
	require.NoError(t, err)
	require.Len(t, subs, len(tasks))

	ids := make(map[string]bool)
	for _, task := range tasks {
		id, ok := task.RemoteID()
		require.True(t, ok, "task %s not submitted", task.LocalID())
		assert.False(t, ids[id], "remote ID %s assigned twice", id)
		ids[id] = true
	}
}

func TestSubmitPassesOptionsThrough(t *testing.T) {
	a := NewTaskWithID("a", "a")
	a.Options = Options{RunDependentsOnFailure: true, Retries: 3}

	g := NewGraph()
	g.Add(a)

	svc := newRecordingService()
	_, err := Submit(context.Background(), "job-1", g, svc.submit)
	require.NoError(t, err)
	require.Len(t, svc.calls, 1)
	assert.True(t, svc.calls[0].opts.RunDependentsOnFailure)
	assert.Equal(t, 3, svc.calls[0].opts.Retries)
	assert.Equal(t, "job-1", svc.calls[0].job)
}
