package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"codeloop/internal/safeio"
)

// DiskStore keeps artifacts under <dir>/<run_id>/<path>.
type DiskStore struct {
	fsys *safeio.SafeFS
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	fsys, err := safeio.NewSafeFS(dir)
	if err != nil {
		return nil, err
	}
	return &DiskStore{fsys: fsys}, nil
}

// Dir returns the absolute root directory.
func (s *DiskStore) Dir() string { return s.fsys.Root() }

func (s *DiskStore) Put(_ context.Context, runID, path string, content []byte) error {
	runID, path, err := normalize(runID, path)
	if err != nil {
		return err
	}
	return s.fsys.WriteFile(objectKey(runID, path), content, 0o644)
}

func (s *DiskStore) Get(_ context.Context, runID, path string) ([]byte, error) {
	runID, path, err := normalize(runID, path)
	if err != nil {
		return nil, err
	}
	b, err := s.fsys.ReadFile(objectKey(runID, path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *DiskStore) List(_ context.Context, runID string) ([]string, error) {
	runID, _, err := normalize(runID, "-")
	if err != nil {
		return nil, err
	}
	tree, err := s.fsys.ReadTree(runID)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tree))
	for p := range tree {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// GetURL returns a file:// URL for an existing artifact.
func (s *DiskStore) GetURL(_ context.Context, runID, path string) (string, error) {
	runID, path, err := normalize(runID, path)
	if err != nil {
		return "", err
	}
	key := objectKey(runID, path)
	if _, err := s.fsys.Stat(key); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return "file://" + filepath.ToSlash(filepath.Join(s.fsys.Root(), filepath.FromSlash(key))), nil
}
