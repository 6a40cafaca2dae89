package artifact

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore keeps recently read artifacts and listings in memory in front
// of a slower origin such as S3. Writes go through and invalidate.
type CachedStore struct {
	origin Store
	blobs  *expirable.LRU[string, []byte]
	lists  *expirable.LRU[string, []string]
}

func NewCachedStore(origin Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		origin: origin,
		blobs:  expirable.NewLRU[string, []byte](size, nil, ttl),
		lists:  expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

func (s *CachedStore) Put(ctx context.Context, runID, path string, content []byte) error {
	if err := s.origin.Put(ctx, runID, path, content); err != nil {
		return err
	}
	runID, path, _ = normalize(runID, path)
	s.blobs.Add(objectKey(runID, path), append([]byte(nil), content...))
	s.lists.Remove(runID)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, runID, path string) ([]byte, error) {
	runID, path, err := normalize(runID, path)
	if err != nil {
		return nil, err
	}
	key := objectKey(runID, path)
	if raw, ok := s.blobs.Get(key); ok {
		return append([]byte(nil), raw...), nil
	}
	raw, err := s.origin.Get(ctx, runID, path)
	if err != nil {
		return nil, err
	}
	s.blobs.Add(key, append([]byte(nil), raw...))
	return raw, nil
}

func (s *CachedStore) List(ctx context.Context, runID string) ([]string, error) {
	if list, ok := s.lists.Get(runID); ok {
		return append([]string(nil), list...), nil
	}
	list, err := s.origin.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.lists.Add(runID, append([]string(nil), list...))
	return list, nil
}

func (s *CachedStore) GetURL(ctx context.Context, runID, path string) (string, error) {
	return s.origin.GetURL(ctx, runID, path)
}
