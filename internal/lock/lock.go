package lock

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the subset of redis.Client the lock needs. *redis.Client satisfies it.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Lock is an atomic acquire-with-expiry / release primitive over the shared store.
// It serializes short critical sections (bet placement, hazard seeding) across
// instances; the TTL bounds how long a crashed holder can block others.
type Lock struct {
	store Store
}

func New(store Store) *Lock {
	return &Lock{store: store}
}

// Acquire attempts an atomic set-if-absent with expiry. Returns true when this
// caller now holds the lock. A store error is reported as not acquired.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.store.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release deletes the lock key unconditionally. Always call it deferred so the
// lock is freed regardless of the guarded operation's outcome.
func (l *Lock) Release(key string) {
	if err := l.store.Del(context.Background(), key).Err(); err != nil {
		log.Printf("[LOCK] Failed to release %s: %v", key, err)
	}
}
