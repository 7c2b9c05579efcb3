// Package dedup remembers keys so an event is acted on once, within a
// single process or across replicas sharing Redis.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

type Interface interface {
	// Seen marks key and reports whether it was already marked.
	Seen(ctx context.Context, key string) (bool, error)
}

// Memory is a bounded in-process set. The oldest keys are forgotten first.
type Memory struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 10000
	}
	return &Memory{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (d *Memory) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(key) {
		return true, nil
	}
	d.lru.Add(key, struct{}{})
	return false, nil
}

// Redis marks keys with SETNX so replicas share one view.
type Redis struct {
	cli    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(cli redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{cli: cli, prefix: prefix, ttl: ttl}
}

// Seen reports false alongside any Redis error.
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := r.cli.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
