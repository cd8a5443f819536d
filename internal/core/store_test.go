package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "pool.default")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "pool.default", "cpu-small"))
	v, ok, err := s.Get(ctx, "pool.default")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cpu-small", v)

	require.NoError(t, s.Set(ctx, "pool.default", "cpu-large"))
	v, _, err = s.Get(ctx, "pool.default")
	require.NoError(t, err)
	require.Equal(t, "cpu-large", v)

	require.NoError(t, s.Delete(ctx, "pool.default"))
	_, ok, err = s.Get(ctx, "pool.default")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreKeysSorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Set(ctx, "b", "2"))
	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "c", "3"))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestStoreRunHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordRun(ctx, RunRecord{ID: "r1", Job: "nightly", Backend: "local", TaskCount: 3}))
	require.NoError(t, s.RecordRun(ctx, RunRecord{ID: "r2", Job: "nightly", Backend: "cloud", TaskCount: 5}))
	require.NoError(t, s.RecordRun(ctx, RunRecord{ID: "r3", Job: "other", Backend: "local", TaskCount: 1}))

	runs, err := s.RunsForJob(ctx, "nightly")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		require.Equal(t, "nightly", r.Job)
	}

	// Duplicate run IDs are rejected by the schema.
	require.Error(t, s.RecordRun(ctx, RunRecord{ID: "r1", Job: "nightly", Backend: "local", TaskCount: 3}))
}

func TestStorePing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
