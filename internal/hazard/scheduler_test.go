package hazard

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/playcrossy/backend/internal/config"
	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	mu        sync.Mutex
	data      map[string]string
	published []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := message.([]byte); ok {
		f.published = append(f.published, string(b))
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeStore) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil // listener is not exercised in these tests
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
}

type fakeLeader struct{ leading bool }

func (f *fakeLeader) IsLeader(ctx context.Context) bool { return f.leading }

type fakeConfigs struct{ refreshMs int }

func (f *fakeConfigs) Get(gameCode string) *config.GameConfig {
	cfg := config.DefaultGameConfig()
	if f.refreshMs > 0 {
		cfg.RefreshMs = f.refreshMs
	}
	return cfg
}

func newTestScheduler(leading bool, refreshMs int) (*Scheduler, *fakeStore) {
	store := newFakeStore()
	s := NewScheduler(store, &fakeLeader{leading: leading}, &fakeLocker{}, &fakeConfigs{refreshMs: refreshMs}, 5, 300000)
	return s, store
}

func TestFirstAccessSeedsState(t *testing.T) {
	s, store := newTestScheduler(true, 30000)
	ctx := context.Background()

	active, err := s.GetActiveHazards(ctx, "crossy", config.DifficultyEasy)
	if err != nil {
		t.Fatalf("GetActiveHazards failed: %v", err)
	}
	if !ValidPattern(active, 3, 24) {
		t.Fatalf("active pattern %v violates EASY invariants", active)
	}

	store.mu.Lock()
	raw, ok := store.data["hazard:crossy:EASY"]
	store.mu.Unlock()
	if !ok {
		t.Fatal("state was not persisted to the shared store")
	}

	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		t.Fatalf("persisted state unreadable: %v", err)
	}
	if err := state.Validate(3, 24); err != nil {
		t.Fatalf("persisted state invalid: %v", err)
	}
}

func TestRotateAdvancesWindowAndPublishes(t *testing.T) {
	s, store := newTestScheduler(true, 30000)
	ctx := context.Background()

	if _, err := s.GetActiveHazards(ctx, "crossy", config.DifficultyMedium); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	before, err := s.loadState(ctx, "crossy", config.DifficultyMedium)
	if err != nil || before == nil {
		t.Fatalf("load failed: %v", err)
	}

	rotated, err := s.Rotate(ctx, "crossy", config.DifficultyMedium)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if rotated.ChangeAt <= before.ChangeAt {
		t.Errorf("changeAt must strictly increase: before=%d after=%d", before.ChangeAt, rotated.ChangeAt)
	}
	if len(rotated.Current) != len(before.Next) {
		t.Fatal("rotation should promote next to current")
	}
	for i, v := range before.Next {
		if rotated.Current[i] != v {
			t.Fatalf("promoted pattern mismatch at %d: %v vs %v", i, rotated.Current, before.Next)
		}
	}
	if err := rotated.Validate(5, 22); err != nil {
		t.Errorf("rotated state invalid: %v", err)
	}

	store.mu.Lock()
	published := len(store.published)
	store.mu.Unlock()
	if published == 0 {
		t.Error("rotation should publish an invalidation notice")
	}
}

func TestLeaderRotatesSynchronouslyWhenExpired(t *testing.T) {
	s, store := newTestScheduler(true, 30000)
	ctx := context.Background()

	// Plant an already-expired state
	expired := &State{
		Current:     []int{0, 1, 2},
		Next:        []int{3, 4, 5},
		ChangeAt:    time.Now().UnixMilli() - 1000,
		GeneratedAt: time.Now().UnixMilli() - 31000,
	}
	raw, _ := json.Marshal(expired)
	store.Set(ctx, "hazard:crossy:EASY", raw, 0)

	active, err := s.GetActiveHazards(ctx, "crossy", config.DifficultyEasy)
	if err != nil {
		t.Fatalf("GetActiveHazards failed: %v", err)
	}

	// After a synchronous rotation the old next window is now current
	for i, v := range []int{3, 4, 5} {
		if active[i] != v {
			t.Fatalf("expected promoted pattern [3 4 5], got %v", active)
		}
	}
}

func TestFollowerPicksUpLeaderRotation(t *testing.T) {
	s, store := newTestScheduler(false, 30000)
	s.followerWait = 600 * time.Millisecond
	ctx := context.Background()

	expired := &State{
		Current:     []int{0, 1, 2},
		Next:        []int{3, 4, 5},
		ChangeAt:    time.Now().UnixMilli() - 1000,
		GeneratedAt: time.Now().UnixMilli() - 31000,
	}
	raw, _ := json.Marshal(expired)
	store.Set(ctx, "hazard:crossy:EASY", raw, 0)

	// Simulate the leader rotating shortly after the follower starts waiting
	go func() {
		time.Sleep(250 * time.Millisecond)
		rotated := &State{
			Current:     []int{3, 4, 5},
			Next:        []int{6, 7, 8},
			ChangeAt:    time.Now().UnixMilli() + 30000,
			GeneratedAt: time.Now().UnixMilli(),
		}
		b, _ := json.Marshal(rotated)
		store.Set(context.Background(), "hazard:crossy:EASY", b, 0)
	}()

	active, err := s.GetActiveHazards(ctx, "crossy", config.DifficultyEasy)
	if err != nil {
		t.Fatalf("GetActiveHazards failed: %v", err)
	}
	for i, v := range []int{3, 4, 5} {
		if active[i] != v {
			t.Fatalf("follower should serve the leader's rotated pattern, got %v", active)
		}
	}
}

func TestFollowerSelfInitializesWhenLeaderSilent(t *testing.T) {
	s, store := newTestScheduler(false, 30000)
	s.followerWait = 300 * time.Millisecond
	ctx := context.Background()

	expired := &State{
		Current:     []int{0, 1, 2},
		Next:        []int{3, 4, 5},
		ChangeAt:    time.Now().UnixMilli() - 1000,
		GeneratedAt: time.Now().UnixMilli() - 31000,
	}
	raw, _ := json.Marshal(expired)
	store.Set(ctx, "hazard:crossy:EASY", raw, 0)

	active, err := s.GetActiveHazards(ctx, "crossy", config.DifficultyEasy)
	if err != nil {
		t.Fatalf("GetActiveHazards failed: %v", err)
	}
	if !ValidPattern(active, 3, 24) {
		t.Fatalf("self-initialized pattern invalid: %v", active)
	}

	state, err := s.loadState(ctx, "crossy", config.DifficultyEasy)
	if err != nil || state == nil {
		t.Fatalf("state should have been re-persisted: %v", err)
	}
	if state.ChangeAt <= expired.ChangeAt {
		t.Error("self-init must still advance changeAt")
	}
}

func TestRefreshMsClamped(t *testing.T) {
	// Config asks for 1ms; scheduler floor is 5ms via ClampRefreshMs
	s, _ := newTestScheduler(true, 1)
	_, refreshMs, err := s.settings("crossy", config.DifficultyEasy)
	if err != nil {
		t.Fatalf("settings failed: %v", err)
	}
	if refreshMs != 5 {
		t.Errorf("refreshMs should clamp to floor 5, got %d", refreshMs)
	}
}
