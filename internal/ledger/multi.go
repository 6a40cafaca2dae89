package ledger

import (
	"context"
	"errors"
)

type tee struct {
	stores []Store
}

// Tee fans Append out to every store and reads from the first one.
func Tee(stores ...Store) Store {
	if len(stores) == 1 {
		return stores[0]
	}
	return &tee{stores: stores}
}

func (t *tee) Append(ctx context.Context, entries ...Entry) error {
	var errs []error
	for _, s := range t.stores {
		if err := s.Append(ctx, entries...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *tee) Entries(ctx context.Context) ([]Entry, error) {
	if len(t.stores) == 0 {
		return []Entry{}, nil
	}
	return t.stores[0].Entries(ctx)
}

// EntriesForRun asks the first store that can answer by run and otherwise
// filters the first store's entries.
func (t *tee) EntriesForRun(ctx context.Context, runID string) ([]Entry, error) {
	for _, s := range t.stores {
		if rr, ok := s.(RunReader); ok {
			return rr.EntriesForRun(ctx, runID)
		}
	}
	entries, err := t.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return FilterRun(entries, runID), nil
}

func (t *tee) Close() error {
	var errs []error
	for _, s := range t.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
