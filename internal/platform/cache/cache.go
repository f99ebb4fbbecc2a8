// Package cache holds the read-through store used for day occupancy.
// Entries are opaque bytes; callers own the encoding and the invalidation.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/storefront/installsched/internal/config"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// NewStore builds the backend selected by CACHE_BACKEND. The returned close
// function releases any connection the backend holds.
func NewStore(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	switch cfg.CacheBackend {
	case "lru", "":
		return NewLRUStore(cfg.CacheSize, cfg.CacheTTL), func() error { return nil }, nil
	case "redis":
		s, err := NewRedisStore(ctx, cfg.RedisURL, "installsched:", cfg.CacheTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "none":
		return Nop{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// Nop never stores anything. Every Get is a miss.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte) error         { return nil }
func (Nop) Delete(context.Context, ...string) error           { return nil }

const defaultTTL = 5 * time.Minute
