package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeloop/internal/loop"
	"codeloop/internal/project"
)

func stores(t *testing.T) map[string]Store {
	disk, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"disk":   disk,
		"cached": NewCachedStore(NewMemoryStore(), 8, time.Minute),
	}
}

func TestStoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "run-1", "files/pkg/a.py", []byte("a")))
			require.NoError(t, s.Put(ctx, "run-1", "/Dockerfile", []byte("FROM x")))
			require.NoError(t, s.Put(ctx, "run-2", "result.json", []byte("{}")))

			got, err := s.Get(ctx, "run-1", "Dockerfile")
			require.NoError(t, err)
			assert.Equal(t, "FROM x", string(got))

			list, err := s.List(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"Dockerfile", "files/pkg/a.py"}, list)

			_, err = s.Get(ctx, "run-1", "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			empty, err := s.List(ctx, "run-none")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStoresValidateKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.Put(ctx, "", "a", nil))
			assert.Error(t, s.Put(ctx, "r", " ", nil))
			assert.Error(t, s.Put(ctx, "../r", "a", nil))
		})
	}
}

func TestDiskStoreRejectsTraversal(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), "r", "../../escape", []byte("x")))
}

func TestDiskStoreURL(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "r", "result.json", []byte("{}")))

	u, err := s.GetURL(ctx, "r", "result.json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "/r/result.json"))

	_, err = s.GetURL(ctx, "r", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingStore struct {
	*MemoryStore
	gets, lists int
}

func (c *countingStore) Get(ctx context.Context, runID, path string) ([]byte, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, runID, path)
}

func (c *countingStore) List(ctx context.Context, runID string) ([]string, error) {
	c.lists++
	return c.MemoryStore.List(ctx, runID)
}

func TestCachedStoreServesRepeatReads(t *testing.T) {
	ctx := context.Background()
	origin := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, origin.MemoryStore.Put(ctx, "r", "a", []byte("1")))
	s := NewCachedStore(origin, 4, time.Minute)

	for i := 0; i < 3; i++ {
		b, err := s.Get(ctx, "r", "a")
		require.NoError(t, err)
		assert.Equal(t, "1", string(b))
		_, err = s.List(ctx, "r")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, origin.gets)
	assert.Equal(t, 1, origin.lists)

	// a write invalidates the listing
	require.NoError(t, s.Put(ctx, "r", "b", []byte("2")))
	list, err := s.List(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)
	assert.Equal(t, 2, origin.lists)
}

func TestRecorderSnapshotsTerminalEvents(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	st := project.State{BuildRecipe: "FROM y\n", Files: map[string]string{"main.py": "print(1)", "lib/x.py": "X"}}
	rec.Observe(loop.Event{RunID: "r1", Phase: loop.PhaseRunning, Iteration: 1, State: &st})
	list, err := store.List(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, list)

	rec.Observe(loop.Event{RunID: "r1", Phase: loop.PhaseSucceeded, Iteration: 2, Passed: true, State: &st, Time: time.Unix(100, 0)})
	list, err = store.List(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dockerfile", "files/lib/x.py", "files/main.py", "result.json"}, list)

	raw, err := store.Get(ctx, "r1", ResultPath)
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.True(t, sum.Success)
	assert.Equal(t, 2, sum.Iterations)
	assert.Equal(t, []string{"lib/x.py", "main.py"}, sum.Files)
}

func TestRecorderFailureWithoutState(t *testing.T) {
	store := NewMemoryStore()
	NewRecorder(store, nil).Observe(loop.Event{RunID: "r2", Phase: loop.PhaseFailed, Message: "loop: generation failed"})

	raw, err := store.Get(context.Background(), "r2", ResultPath)
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.False(t, sum.Success)
	assert.Equal(t, "loop: generation failed", sum.Message)
	assert.Empty(t, sum.Files)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Put(context.Context, string, string, []byte) error { return errors.New("bucket gone") }

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	rec := NewRecorder(failingStore{NewMemoryStore()}, nil)
	assert.NotPanics(t, func() {
		rec.Observe(loop.Event{RunID: "r", Phase: loop.PhaseFailed})
	})
	assert.Error(t, rec.Snapshot(context.Background(), loop.Event{RunID: "r", Phase: loop.PhaseFailed}))
}
