package hazard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/playcrossy/backend/internal/config"
	"github.com/redis/go-redis/v9"
)

// RotationChannel carries invalidation notices after a leader rotation.
const RotationChannel = "hazard:rotated"

// Store is the subset of redis.Client the scheduler needs. *redis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Leader answers whether this instance may perform leader-only rotation.
type Leader interface {
	IsLeader(ctx context.Context) bool
}

// Locker guards one-time initialization races across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(key string)
}

// ConfigSource yields per-game hazard configuration.
type ConfigSource interface {
	Get(gameCode string) *config.GameConfig
}

type rotationNotice struct {
	Game       string `json:"game"`
	Difficulty string `json:"difficulty"`
}

type cachedState struct {
	state     *State
	fetchedAt time.Time
}

// Scheduler replicates hazard patterns per (game, difficulty) through the
// shared store. Only the confirmed leader rotates; followers read the store
// and invalidate their local cache on rotation notices.
type Scheduler struct {
	store   Store
	leader  Leader
	locks   Locker
	configs ConfigSource

	refreshMsMin int
	refreshMsMax int
	followerWait time.Duration

	mu    sync.Mutex
	cache map[string]cachedState
	known map[string]rotationNotice // keys this instance has served, for the rotation loop

	invalidations chan rotationNotice
}

// NewScheduler wires a rotation scheduler. refreshMsMin/Max clamp whatever the
// game config asks for.
func NewScheduler(store Store, leader Leader, locks Locker, configs ConfigSource, refreshMsMin, refreshMsMax int) *Scheduler {
	return &Scheduler{
		store:         store,
		leader:        leader,
		locks:         locks,
		configs:       configs,
		refreshMsMin:  refreshMsMin,
		refreshMsMax:  refreshMsMax,
		followerWait:  2 * time.Second,
		cache:         make(map[string]cachedState),
		known:         make(map[string]rotationNotice),
		invalidations: make(chan rotationNotice, 64),
	}
}

func stateKey(game, difficulty string) string {
	return fmt.Sprintf("hazard:%s:%s", game, difficulty)
}

func initLockKey(game, difficulty string) string {
	return fmt.Sprintf("hazard:init:%s:%s", game, difficulty)
}

func (s *Scheduler) settings(game, difficulty string) (config.HazardSettings, int, error) {
	cfg := s.configs.Get(game)
	hs, ok := cfg.Hazard[difficulty]
	if !ok {
		return config.HazardSettings{}, 0, fmt.Errorf("no hazard settings for game=%s difficulty=%s", game, difficulty)
	}
	refreshMs := config.ClampRefreshMs(cfg.RefreshMs, s.refreshMsMin, s.refreshMsMax)
	return hs, refreshMs, nil
}

// GetActiveHazards returns the pattern active right now for (game, difficulty).
// A leader whose window elapsed rotates synchronously before answering; a
// follower polls the store with a bounded wait and only then self-initializes
// under a short-lived lock so it never stalls indefinitely.
func (s *Scheduler) GetActiveHazards(ctx context.Context, game, difficulty string) ([]int, error) {
	hs, refreshMs, err := s.settings(game, difficulty)
	if err != nil {
		return nil, err
	}

	key := game + ":" + difficulty
	s.mu.Lock()
	s.known[key] = rotationNotice{Game: game, Difficulty: difficulty}
	entry, cached := s.cache[key]
	s.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	if cached && !entry.state.Expired(nowMs) {
		return entry.state.ActiveAt(nowMs), nil
	}

	state, err := s.loadState(ctx, game, difficulty)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state, err = s.initializeState(ctx, game, difficulty, hs, refreshMs)
		if err != nil {
			return nil, err
		}
	}

	nowMs = time.Now().UnixMilli()
	if state.Expired(nowMs) {
		if s.leader.IsLeader(ctx) {
			state, err = s.Rotate(ctx, game, difficulty)
			if err != nil {
				return nil, err
			}
		} else {
			state, err = s.awaitLeaderRotation(ctx, game, difficulty, hs, refreshMs, state)
			if err != nil {
				return nil, err
			}
		}
		nowMs = time.Now().UnixMilli()
	}

	if err := state.Validate(hs.HazardCount, hs.TotalColumns); err != nil {
		return nil, fmt.Errorf("replicated hazard state rejected: %w", err)
	}

	s.cacheState(key, state)
	return state.ActiveAt(nowMs), nil
}

func (s *Scheduler) cacheState(key string, state *State) {
	s.mu.Lock()
	s.cache[key] = cachedState{state: state, fetchedAt: time.Now()}
	s.mu.Unlock()
}

func (s *Scheduler) loadState(ctx context.Context, game, difficulty string) (*State, error) {
	data, err := s.store.Get(ctx, stateKey(game, difficulty)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hazard state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to parse hazard state: %w", err)
	}
	return &state, nil
}

func (s *Scheduler) persistState(ctx context.Context, game, difficulty string, state *State, refreshMs int) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ttl := time.Duration(refreshMs) * time.Millisecond * 3 / 2
	if err := s.store.Set(ctx, stateKey(game, difficulty), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist hazard state: %w", err)
	}
	return nil
}

// initializeState seeds the first state for an uninitialized (game, difficulty)
// under a distributed lock so exactly one node does it; losers of the race wait
// briefly and read the seeded value.
func (s *Scheduler) initializeState(ctx context.Context, game, difficulty string, hs config.HazardSettings, refreshMs int) (*State, error) {
	acquired, err := s.locks.Acquire(ctx, initLockKey(game, difficulty), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("init lock error: %w", err)
	}

	if !acquired {
		// Someone else is seeding; wait a moment and read their value.
		for i := 0; i < 10; i++ {
			time.Sleep(200 * time.Millisecond)
			state, err := s.loadState(ctx, game, difficulty)
			if err != nil {
				return nil, err
			}
			if state != nil {
				return state, nil
			}
		}
		return nil, fmt.Errorf("hazard state for %s/%s not seeded in time", game, difficulty)
	}
	defer s.locks.Release(initLockKey(game, difficulty))

	// Re-check under the lock: the winner may have finished before we acquired.
	if state, err := s.loadState(ctx, game, difficulty); err != nil {
		return nil, err
	} else if state != nil {
		return state, nil
	}

	current, err := GenerateRandomPattern(hs.HazardCount, hs.TotalColumns)
	if err != nil {
		return nil, err
	}
	next, err := GenerateRandomPattern(hs.HazardCount, hs.TotalColumns)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	state := &State{
		Current:     current,
		Next:        next,
		ChangeAt:    now + int64(refreshMs),
		GeneratedAt: now,
	}
	if err := s.persistState(ctx, game, difficulty, state, refreshMs); err != nil {
		return nil, err
	}

	log.Printf("[HAZARD] Seeded %s/%s: current=%v next=%v change_at=%d", game, difficulty, current, next, state.ChangeAt)
	return state, nil
}

// Rotate advances the window: current becomes next, a fresh pattern becomes
// next, and changeAt moves forward. Leader-only; followed by an invalidation
// publish so every node drops its local cache and re-fetches lazily.
func (s *Scheduler) Rotate(ctx context.Context, game, difficulty string) (*State, error) {
	hs, refreshMs, err := s.settings(game, difficulty)
	if err != nil {
		return nil, err
	}

	state, err := s.loadState(ctx, game, difficulty)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return s.initializeState(ctx, game, difficulty, hs, refreshMs)
	}

	fresh, err := GenerateRandomPattern(hs.HazardCount, hs.TotalColumns)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	changeAt := now + int64(refreshMs)
	if changeAt <= state.ChangeAt {
		// changeAt must strictly increase across rotations
		changeAt = state.ChangeAt + 1
	}

	rotated := &State{
		Current:     state.Next,
		Next:        fresh,
		ChangeAt:    changeAt,
		GeneratedAt: now,
	}
	if err := s.persistState(ctx, game, difficulty, rotated, refreshMs); err != nil {
		return nil, err
	}

	notice, _ := json.Marshal(rotationNotice{Game: game, Difficulty: difficulty})
	if err := s.store.Publish(ctx, RotationChannel, notice).Err(); err != nil {
		log.Printf("[HAZARD] Failed to publish rotation notice for %s/%s: %v", game, difficulty, err)
	}

	s.cacheState(game+":"+difficulty, rotated)
	log.Printf("[HAZARD] Rotated %s/%s: current=%v next=%v change_at=%d", game, difficulty, rotated.Current, fresh, changeAt)
	return rotated, nil
}

// awaitLeaderRotation gives the leader a bounded window to rotate. If the
// leader stays silent the follower self-initializes under the init lock rather
// than stalling callers forever.
func (s *Scheduler) awaitLeaderRotation(ctx context.Context, game, difficulty string, hs config.HazardSettings, refreshMs int, stale *State) (*State, error) {
	deadline := time.Now().Add(s.followerWait)
	for time.Now().Before(deadline) {
		state, err := s.loadState(ctx, game, difficulty)
		if err != nil {
			return nil, err
		}
		if state != nil && state.ChangeAt > stale.ChangeAt {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	log.Printf("[HAZARD] Leader silent for %s/%s; follower self-initializing", game, difficulty)

	acquired, err := s.locks.Acquire(ctx, initLockKey(game, difficulty), 5*time.Second)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Another follower got there first; serve whatever is stored, even the
		// stale next window, rather than erroring the round.
		time.Sleep(300 * time.Millisecond)
		state, err := s.loadState(ctx, game, difficulty)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}
		return stale, nil
	}
	defer s.locks.Release(initLockKey(game, difficulty))

	fresh, err := GenerateRandomPattern(hs.HazardCount, hs.TotalColumns)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	changeAt := now + int64(refreshMs)
	if changeAt <= stale.ChangeAt {
		changeAt = stale.ChangeAt + 1
	}
	state := &State{
		Current:     stale.Next,
		Next:        fresh,
		ChangeAt:    changeAt,
		GeneratedAt: now,
	}
	if err := s.persistState(ctx, game, difficulty, state, refreshMs); err != nil {
		return nil, err
	}

	notice, _ := json.Marshal(rotationNotice{Game: game, Difficulty: difficulty})
	if err := s.store.Publish(ctx, RotationChannel, notice).Err(); err != nil {
		log.Printf("[HAZARD] Failed to publish self-init notice for %s/%s: %v", game, difficulty, err)
	}
	return state, nil
}

// Run drives the leader-only rotation timers and consumes invalidation notices.
// The rotation check is a single loop over the keys this instance has served;
// leadership is re-confirmed on every pass so timers effectively cancel on
// leadership loss.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runInvalidationListener(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-s.invalidations:
			s.mu.Lock()
			delete(s.cache, notice.Game+":"+notice.Difficulty)
			s.mu.Unlock()
		case <-ticker.C:
			if !s.leader.IsLeader(ctx) {
				continue
			}
			s.mu.Lock()
			pending := make([]rotationNotice, 0, len(s.known))
			nowMs := time.Now().UnixMilli()
			for key, n := range s.known {
				if entry, ok := s.cache[key]; !ok || entry.state.Expired(nowMs) {
					pending = append(pending, n)
				}
			}
			s.mu.Unlock()

			for _, n := range pending {
				if _, err := s.Rotate(ctx, n.Game, n.Difficulty); err != nil {
					log.Printf("[HAZARD] Rotation failed for %s/%s: %v", n.Game, n.Difficulty, err)
				}
			}
		}
	}
}

// runInvalidationListener is the dedicated subscriber task. It only feeds the
// internal queue; cache mutation happens in Run's own loop, never in a
// subscription callback.
func (s *Scheduler) runInvalidationListener(ctx context.Context) {
	pubsub := s.store.Subscribe(ctx, RotationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	log.Printf("[HAZARD] Rotation invalidation subscriber started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var notice rotationNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				log.Printf("[HAZARD] Invalid rotation notice: %v", err)
				continue
			}
			select {
			case s.invalidations <- notice:
			default:
				log.Printf("[HAZARD] Invalidation queue full, dropping notice for %s/%s", notice.Game, notice.Difficulty)
			}
		}
	}
}
