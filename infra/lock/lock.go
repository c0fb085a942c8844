// Package lock serialises work per transaction reference, in process or across instances via Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock could not be taken before the context ended
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive per-key locks. The returned release func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty in-process locker
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s, false)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, s, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// compare-and-delete so an expired holder never frees someone else's lock
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance pointing at the same Redis
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker builds a Redis-backed Locker. ttl bounds how long a crashed holder blocks others.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "paygate:lock",
		ttl:    ttl,
		poll:   50 * time.Millisecond,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := r.prefix + ":" + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// the caller's context may already be done
					releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = unlockScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)
