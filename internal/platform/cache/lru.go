package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUStore is an in-process store bounded by size and entry age. It is only
// coherent for a single server process.
type LRUStore struct {
	cache *expirable.LRU[string, []byte]
}

func NewLRUStore(size int, ttl time.Duration) *LRUStore {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &LRUStore{cache: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (s *LRUStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.cache.Get(key)
	return v, ok, nil
}

func (s *LRUStore) Set(_ context.Context, key string, value []byte) error {
	s.cache.Add(key, value)
	return nil
}

func (s *LRUStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.cache.Remove(k)
	}
	return nil
}

func (s *LRUStore) Len() int {
	return s.cache.Len()
}
