// Package artifact persists per-run snapshots: the final build recipe, the
// project files and a result summary.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store defines operations for persisting run artifacts.
type Store interface {
	Put(ctx context.Context, runID, path string, content []byte) error
	Get(ctx context.Context, runID, path string) ([]byte, error)
	// GetURL returns a download URL, or "" when the backend has none.
	GetURL(ctx context.Context, runID, path string) (string, error)
	List(ctx context.Context, runID string) ([]string, error)
}

var ErrNotFound = errors.New("artifact not found")

func normalize(runID, path string) (string, string, error) {
	runID = strings.TrimSpace(runID)
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if runID == "" {
		return "", "", fmt.Errorf("artifact: run_id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", "", fmt.Errorf("artifact: invalid run_id %q", runID)
	}
	if path == "" {
		return "", "", fmt.Errorf("artifact: path is required")
	}
	return runID, path, nil
}

func objectKey(runID, path string) string {
	return runID + "/" + path
}
