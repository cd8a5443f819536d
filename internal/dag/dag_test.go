package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskGeneratesLocalID(t *testing.T) {
	a := NewTask("echo hi")
	b := NewTask("echo hi")
	assert.NotEmpty(t, a.LocalID())
	assert.NotEqual(t, a.LocalID(), b.LocalID(), "generated local IDs must not collide")

	_, submitted := a.RemoteID()
	assert.False(t, submitted)
}

func TestGraphAddIsIdempotent(t *testing.T) {
	a := NewTaskWithID("a", "a")
	g := NewGraph()
	g.Add(a)
	g.Add(a)
	assert.Equal(t, 1, g.Len())
}

func TestGraphBeforeMirrorsAfter(t *testing.T) {
	a := NewTaskWithID("a", "a")
	b := NewTaskWithID("b", "b")
	c := NewTaskWithID("c", "c")

	g := NewGraph()
	g.Add(b, c)
	g.Before(a, b, c)

	require.Equal(t, []*Task{a}, g.Dependencies(b))
	require.Equal(t, []*Task{a}, g.Dependencies(c))
	assert.Empty(t, g.Dependencies(a))
}

func TestGraphDuplicateEdgeIgnored(t *testing.T) {
	a := NewTaskWithID("a", "a")
	b := NewTaskWithID("b", "b")

	g := NewGraph()
	g.Add(a, b)
	g.After(b, a)
	g.After(b, a)

	assert.Equal(t, []*Task{a}, g.Dependencies(b))
}

func TestGraphTasksInInsertionOrder(t *testing.T) {
	a := NewTaskWithID("a", "a")
	b := NewTaskWithID("b", "b")
	c := NewTaskWithID("c", "c")

	g := NewGraph()
	g.After(b, a) // Add via After
	g.Add(a, c)

	assert.Equal(t, []*Task{b, a, c}, g.Tasks())
}
