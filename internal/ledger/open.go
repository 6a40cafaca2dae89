package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Open resolves a ledger target:
//
//	""                         iterations_log.csv in the working directory
//	memory:                    in-process
//	postgres://… postgresql:// Postgres via pgx
//	sqlite://path, sqlite:path SQLite file
//	redis://… rediss://…       Redis stream (?stream=key)
//	csv:path, path             CSV file
//
// Comma-separated targets are opened together and written in tandem.
func Open(ctx context.Context, target string) (Store, error) {
	parts := splitTargets(target)
	if len(parts) == 0 {
		parts = []string{DefaultTarget}
	}
	stores := make([]Store, 0, len(parts))
	for _, p := range parts {
		s, err := openOne(ctx, p)
		if err != nil {
			for _, opened := range stores {
				_ = opened.Close()
			}
			return nil, err
		}
		stores = append(stores, s)
	}
	return Tee(stores...), nil
}

func splitTargets(target string) []string {
	var out []string
	for _, p := range strings.Split(target, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func openOne(ctx context.Context, target string) (Store, error) {
	lower := strings.ToLower(target)
	switch {
	case lower == "memory:" || lower == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return OpenPostgres(ctx, target)
	case strings.HasPrefix(lower, "sqlite://"):
		return OpenSQLite(ctx, target[len("sqlite://"):])
	case strings.HasPrefix(lower, "sqlite:"):
		return OpenSQLite(ctx, target[len("sqlite:"):])
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return OpenRedis(ctx, target)
	case strings.HasPrefix(lower, "csv:"):
		return NewCSV(target[len("csv:"):]), nil
	case strings.Contains(target, "://"):
		return nil, fmt.Errorf("ledger: unsupported target %q", target)
	default:
		return NewCSV(target), nil
	}
}
