// Package ledger records which files changed in which iteration. Entries are
// append-only; backends may be shared by independent runs.
package ledger

import (
	"context"
	"strings"
	"time"
)

// Columns is the header every backend materialises on first use.
var Columns = []string{"iteration", "filename", "timestamp"}

// TimeFormat is the textual timestamp encoding used by text-based backends.
const TimeFormat = time.RFC3339Nano

// DefaultTarget is the ledger used when none is configured.
const DefaultTarget = "iterations_log.csv"

// Entry is one changed file in one iteration.
type Entry struct {
	RunID     string    `json:"run_id,omitempty"`
	Iteration int       `json:"iteration"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger appends entries. Append must report every failure to the caller.
type Ledger interface {
	Append(ctx context.Context, entries ...Entry) error
}

// Reader lists previously appended entries in append order.
type Reader interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// RunReader lists the entries written by one run.
type RunReader interface {
	EntriesForRun(ctx context.Context, runID string) ([]Entry, error)
}

// Store is a ledger that can also be read back and closed.
type Store interface {
	Ledger
	Reader
	Close() error
}

// EntriesFor builds one entry per file name, all sharing iteration and ts.
func EntriesFor(runID string, iteration int, filenames []string, ts time.Time) []Entry {
	if len(filenames) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(filenames))
	for _, name := range filenames {
		out = append(out, Entry{
			RunID:     strings.TrimSpace(runID),
			Iteration: iteration,
			Filename:  name,
			Timestamp: ts.UTC(),
		})
	}
	return out
}

// FilterRun keeps the entries recorded by runID.
func FilterRun(entries []Entry, runID string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(TimeFormat)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(TimeFormat, raw); err == nil {
		return ts, nil
	}
	// rows written without a zone suffix
	return time.Parse("2006-01-02T15:04:05.999999999", raw)
}
