package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVLedgerWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "iterations_log.csv")
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	l := NewCSV(path)
	require.NoError(t, l.Append(ctx, EntriesFor("r1", 1, []string{"main.py", "util.py"}, ts)...))

	// a second ledger on the same target must not rewrite the header
	l2 := NewCSV(path)
	require.NoError(t, l2.Append(ctx, EntriesFor("r1", 2, []string{"main.py"}, ts)...))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "iteration,filename,timestamp", lines[0])
	assert.Equal(t, "1,main.py,2026-01-02T03:04:05Z", lines[1])
	assert.Equal(t, "1,util.py,2026-01-02T03:04:05Z", lines[2])
	assert.Equal(t, "2,main.py,2026-01-02T03:04:05Z", lines[3])

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[2].Iteration)
	assert.True(t, entries[0].Timestamp.Equal(ts))
}

func TestCSVLedgerEmptyFileGetsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iterations_log.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, NewCSV(path).Append(context.Background(), EntriesFor("r1", 1, []string{"main.py"}, ts)...))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "iteration,filename,timestamp\n1,main.py,2026-01-02T03:04:05Z\n", string(raw))
}

func TestCSVLedgerNoEntriesDoesNotCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	require.NoError(t, NewCSV(path).Append(context.Background()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCSVLedgerMissingFileReadsEmpty(t *testing.T) {
	entries, err := NewCSV(filepath.Join(t.TempDir(), "none.csv")).Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCSVLedgerConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.csv")
	ctx := context.Background()
	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l := NewCSV(path)
			for i := 1; i <= perWriter; i++ {
				name := fmt.Sprintf("w%d.py", w)
				assert.NoError(t, l.Append(ctx, EntriesFor("", i, []string{name}, time.Now())...))
			}
		}(w)
	}
	wg.Wait()

	entries, err := NewCSV(path).Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, writers*perWriter)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "iteration,filename,timestamp"))
}

func TestCSVLedgerSurfacesWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// a directory where the file should be makes every open fail
	path := filepath.Join(dir, "blocked.csv")
	require.NoError(t, os.Mkdir(path, 0o755))
	err := NewCSV(path).Append(context.Background(), Entry{Iteration: 1, Filename: "a", Timestamp: time.Now()})
	assert.Error(t, err)
}
