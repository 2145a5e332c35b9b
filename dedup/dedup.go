package dedup

import (
	"context"
	"fmt"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/redis/go-redis/v9"
)

// Set remembers recently emitted event keys so that overlapping polls do not republish them.
type Set interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, keys ...string) error
}

type lruSet struct {
	cache *cache.Cache[string, struct{}]
}

// NewLRU returns a process-local set evicting the least recently used keys past capacity.
func NewLRU(capacity int) Set {
	return &lruSet{
		cache: cache.New[string, struct{}](cache.AsLRU[string, struct{}](lru.WithCapacity(capacity))),
	}
}

func (s *lruSet) Seen(_ context.Context, key string) (bool, error) {
	_, ok := s.cache.Get(key)
	return ok, nil
}

func (s *lruSet) Mark(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Set(key, struct{}{})
	}
	return nil
}

type redisSet struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a set shared between watcher replicas. Keys expire after ttl.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) Set {
	return &redisSet{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *redisSet) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("can't check dedup key: %w", err)
	}
	return n > 0, nil
}

func (s *redisSet) Mark(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.SetNX(ctx, s.prefix+key, 1, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("can't mark dedup keys: %w", err)
	}
	return nil
}
