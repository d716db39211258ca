package leader

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the subset of redis.Client the elector needs. *redis.Client satisfies it.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Elector maintains a cluster-wide exclusive lease in the shared store.
// Exactly one instance holds the lease at a time; the holder renews it on a
// sub-TTL cadence and a crashed holder's lease lapses within one TTL.
//
// Any store error is treated as "not leader": a node unsure of its status must
// not perform leader-only side effects.
type Elector struct {
	store      Store
	key        string
	holderID   string
	ttl        time.Duration
	renewEvery time.Duration

	mu          sync.Mutex
	leader      bool
	renewCancel context.CancelFunc
}

// NewElector creates an elector for the given lease key. renewEvery should be
// TTL/2 to TTL/3 so transient latency cannot cause flapping.
func NewElector(store Store, key, holderID string, ttl, renewEvery time.Duration) *Elector {
	return &Elector{
		store:      store,
		key:        key,
		holderID:   holderID,
		ttl:        ttl,
		renewEvery: renewEvery,
	}
}

// HolderID returns this instance's lease holder id.
func (e *Elector) HolderID() string {
	return e.holderID
}

// TryBecomeLeader attempts an atomic set-if-absent-with-TTL on the lease key.
// Success means this instance is now the leader and renewal starts.
func (e *Elector) TryBecomeLeader(ctx context.Context) bool {
	ok, err := e.store.SetNX(ctx, e.key, e.holderID, e.ttl).Result()
	if err != nil {
		log.Printf("[LEADER] Lease acquire failed: %v", err)
		e.setLeader(false)
		return false
	}
	if ok {
		log.Printf("[LEADER] Acquired leadership (holder=%s)", e.holderID)
		e.setLeader(true)
		return true
	}

	// Lease exists; we may already hold it from a previous attempt.
	holder, err := e.store.Get(ctx, e.key).Result()
	if err != nil {
		e.setLeader(false)
		return false
	}
	isSelf := holder == e.holderID
	e.setLeader(isSelf)
	return isSelf
}

// IsLeader reports whether this instance currently holds the lease.
// Transitions observed here start or stop the renewal loop.
func (e *Elector) IsLeader(ctx context.Context) bool {
	holder, err := e.store.Get(ctx, e.key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[LEADER] Lease read failed: %v", err)
		}
		e.setLeader(false)
		return false
	}
	isSelf := holder == e.holderID
	e.setLeader(isSelf)
	return isSelf
}

// renewLease re-applies the TTL only while this instance is still the recorded
// holder; otherwise renewal stops.
func (e *Elector) renewLease(ctx context.Context) bool {
	holder, err := e.store.Get(ctx, e.key).Result()
	if err != nil || holder != e.holderID {
		if err != nil && err != redis.Nil {
			log.Printf("[LEADER] Lease check failed during renewal: %v", err)
		} else {
			log.Printf("[LEADER] Lost leadership (holder=%q, self=%s)", holder, e.holderID)
		}
		e.setLeader(false)
		return false
	}
	if err := e.store.Expire(ctx, e.key, e.ttl).Err(); err != nil {
		log.Printf("[LEADER] Lease renewal failed: %v", err)
		e.setLeader(false)
		return false
	}
	return true
}

// ReleaseLeadership voluntarily deletes the lease for graceful shutdown.
func (e *Elector) ReleaseLeadership(ctx context.Context) {
	holder, err := e.store.Get(ctx, e.key).Result()
	if err == nil && holder == e.holderID {
		if err := e.store.Del(ctx, e.key).Err(); err != nil {
			log.Printf("[LEADER] Failed to release lease: %v", err)
		} else {
			log.Printf("[LEADER] Released leadership (holder=%s)", e.holderID)
		}
	}
	e.setLeader(false)
}

// Run campaigns for leadership and keeps the lease renewed until ctx is done.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.renewEvery)
	defer ticker.Stop()

	e.TryBecomeLeader(ctx)

	for {
		select {
		case <-ctx.Done():
			e.ReleaseLeadership(context.Background())
			return
		case <-ticker.C:
			e.mu.Lock()
			leading := e.leader
			e.mu.Unlock()

			if leading {
				e.renewLease(ctx)
			} else {
				e.TryBecomeLeader(ctx)
			}
		}
	}
}

func (e *Elector) setLeader(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader != v {
		if v {
			log.Printf("[LEADER] This instance is now leader")
		} else {
			log.Printf("[LEADER] This instance is now follower")
		}
	}
	e.leader = v
}

// Leading reports the locally cached leadership flag without a store round trip.
func (e *Elector) Leading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}
