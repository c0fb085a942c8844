// Package dedup drops repeated webhook deliveries within a time window.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper tracks delivery keys that were already accepted
type Deduper interface {
	// Seen marks key and reports whether it had been marked before
	Seen(ctx context.Context, key string) (bool, error)
}

type redisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Deduper shared across instances
func NewRedis(client redis.UniversalClient, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisDeduper{client: client, prefix: "paygate:webhook", ttl: ttl}
}

func (d *redisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+":"+key, "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	// false => already exists => duplicate
	return !ok, nil
}

type memoryDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	nextGC time.Time
	now    func() time.Time
}

// NewMemory builds an in-process Deduper
func NewMemory(ttl time.Duration) Deduper {
	return newMemory(ttl, time.Now)
}

func newMemory(ttl time.Duration, now func() time.Time) *memoryDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &memoryDeduper{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		nextGC: now().Add(ttl),
		now:    now,
	}
}

func (d *memoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[key]; ok && exp.After(now) {
		return true, nil
	}

	d.seen[key] = now.Add(d.ttl)
	if now.After(d.nextGC) {
		for k, exp := range d.seen {
			if exp.Before(now) {
				delete(d.seen, k)
			}
		}
		d.nextGC = now.Add(d.ttl)
	}

	return false, nil
}
