package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// pathLocks serialises writers that target the same file inside a process.
var pathLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CSVLedger appends rows to a CSV file with an
// "iteration,filename,timestamp" header.
type CSVLedger struct {
	path string

	mu    sync.Mutex
	ready bool
}

// NewCSV returns a ledger backed by the CSV file at path. The file is not
// touched until the first Append.
func NewCSV(path string) *CSVLedger {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultTarget
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &CSVLedger{path: path}
}

// Path returns the absolute file path.
func (l *CSVLedger) Path() string { return l.path }

func (l *CSVLedger) Close() error { return nil }

// ensureHeader writes the header row when the file is missing or empty.
// O_EXCL keeps concurrent first writers from writing the header twice.
func (l *CSVLedger) ensureHeader() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return nil
	}
	pl := lockFor(l.path)
	pl.Lock()
	defer pl.Unlock()
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ledger: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case errors.Is(err, os.ErrExist):
		info, statErr := os.Stat(l.path)
		if statErr != nil {
			return fmt.Errorf("ledger: stat %s: %w", l.path, statErr)
		}
		if info.Size() > 0 {
			l.ready = true
			return nil
		}
		f, err = os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("ledger: open %s: %w", l.path, err)
		}
	case err != nil:
		return fmt.Errorf("ledger: create %s: %w", l.path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return fmt.Errorf("ledger: write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("ledger: write header: %w", err)
	}
	l.ready = true
	return nil
}

// Append writes all entries with a single O_APPEND write so rows from
// different processes do not interleave.
func (l *CSVLedger) Append(ctx context.Context, entries ...Entry) error {
	if l == nil {
		return fmt.Errorf("ledger: csv ledger is nil")
	}
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.ensureHeader(); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, e := range entries {
		if err := w.Write([]string{strconv.Itoa(e.Iteration), e.Filename, formatTime(e.Timestamp)}); err != nil {
			return fmt.Errorf("ledger: encode row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("ledger: encode row: %w", err)
	}

	mu := lockFor(l.path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("ledger: append %s: %w", l.path, err)
	}
	return f.Close()
}

// Entries reads every row after the header. A missing file yields no rows.
func (l *CSVLedger) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Columns)
	out := make([]Entry, 0, 64)
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: read %s: %w", l.path, err)
		}
		if line == 0 && rec[0] == Columns[0] {
			continue
		}
		iter, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("ledger: line %d: bad iteration %q", line+1, rec[0])
		}
		ts, err := parseTime(rec[2])
		if err != nil {
			return nil, fmt.Errorf("ledger: line %d: bad timestamp %q", line+1, rec[2])
		}
		out = append(out, Entry{Iteration: iter, Filename: rec[1], Timestamp: ts})
	}
	return out, nil
}
