package ledger

import (
	"context"
	"sync"
)

// MemoryLedger keeps entries in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
	// Err, when set, is returned from every Append.
	Err error
}

func NewMemory() *MemoryLedger { return &MemoryLedger{} }

func (m *MemoryLedger) Append(_ context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryLedger) Entries(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

func (m *MemoryLedger) EntriesForRun(_ context.Context, runID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FilterRun(m.entries, runID), nil
}

// ForIteration returns the entries recorded for one iteration.
func (m *MemoryLedger) ForIteration(iteration int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Iteration == iteration {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryLedger) Close() error { return nil }
