package fairness

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the subset of redis.Client the provider needs. *redis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

var userSeedPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// Record holds one user's provably-fair seed state. The server seed stays
// hidden until it is rotated out; only its hash is shown while in play.
type Record struct {
	UserSeed             string `json:"user_seed"`
	ServerSeed           string `json:"server_seed"`
	HashedServerSeed     string `json:"hashed_server_seed"`
	Nonce                int64  `json:"nonce"`
	PrevServerSeed       string `json:"prev_server_seed,omitempty"`
	PrevHashedServerSeed string `json:"prev_hashed_server_seed,omitempty"`
}

// Provider manages per-user seed pairs, commitments and nonce sequencing.
type Provider struct {
	store Store
}

func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

func seedKey(userID, agentCode string) string {
	return fmt.Sprintf("fairness:%s:%s", agentCode, userID)
}

// GetOrCreate returns the user's seed record, creating a fresh one on first use.
func (p *Provider) GetOrCreate(ctx context.Context, userID, agentCode string) (*Record, error) {
	key := seedKey(userID, agentCode)

	corrupt := false
	data, err := p.store.Get(ctx, key).Result()
	if err == nil {
		var rec Record
		if jsonErr := json.Unmarshal([]byte(data), &rec); jsonErr == nil && rec.ServerSeed != "" {
			return &rec, nil
		}
		// Corrupt record: fall through and reissue
		corrupt = true
	} else if err != redis.Nil {
		return nil, fmt.Errorf("failed to read seed record: %w", err)
	}

	serverSeed := randomHex(32)
	rec := &Record{
		UserSeed:         randomHex(8),
		ServerSeed:       serverSeed,
		HashedServerSeed: HashServerSeed(serverSeed),
		Nonce:            0,
	}

	if corrupt {
		// An unreadable record carries no nonce continuity worth preserving.
		if err := p.save(ctx, key, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	// First use races with other instances; SetNX keeps exactly one record so
	// nonce continuity is never perturbed by a second writer.
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	created, err := p.store.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to persist seed record: %w", err)
	}
	if !created {
		data, err := p.store.Get(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read seed record: %w", err)
		}
		var winner Record
		if jsonErr := json.Unmarshal([]byte(data), &winner); jsonErr != nil || winner.ServerSeed == "" {
			return nil, fmt.Errorf("seed record unreadable after concurrent create")
		}
		return &winner, nil
	}
	return rec, nil
}

// SetUserSeed replaces the user seed and resets the nonce to 0. A seed change
// deliberately restarts the provable sequence.
func (p *Provider) SetUserSeed(ctx context.Context, userID, agentCode, seed string) (*Record, error) {
	if !userSeedPattern.MatchString(seed) {
		return nil, fmt.Errorf("user seed must be 16 hex characters")
	}

	rec, err := p.GetOrCreate(ctx, userID, agentCode)
	if err != nil {
		return nil, err
	}

	rec.UserSeed = seed
	rec.Nonce = 0
	if err := p.save(ctx, seedKey(userID, agentCode), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RotateSeeds issues a new server seed pair after a settled round and advances
// the nonce. The outgoing server seed becomes revealable for verification.
func (p *Provider) RotateSeeds(ctx context.Context, userID, agentCode string) (*Record, error) {
	rec, err := p.GetOrCreate(ctx, userID, agentCode)
	if err != nil {
		return nil, err
	}

	rec.PrevServerSeed = rec.ServerSeed
	rec.PrevHashedServerSeed = rec.HashedServerSeed

	serverSeed := randomHex(32)
	rec.ServerSeed = serverSeed
	rec.HashedServerSeed = HashServerSeed(serverSeed)
	rec.Nonce++

	if err := p.save(ctx, seedKey(userID, agentCode), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RevealPrevious returns the last rotated-out server seed and its commitment.
func (p *Provider) RevealPrevious(ctx context.Context, userID, agentCode string) (serverSeed, hashedSeed string, err error) {
	rec, err := p.GetOrCreate(ctx, userID, agentCode)
	if err != nil {
		return "", "", err
	}
	if rec.PrevServerSeed == "" {
		return "", "", fmt.Errorf("no revealed server seed yet")
	}
	return rec.PrevServerSeed, rec.PrevHashedServerSeed, nil
}

func (p *Provider) save(ctx context.Context, key string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist seed record: %w", err)
	}
	return nil
}

// HashServerSeed is the public commitment for a server seed.
func HashServerSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// DeriveHash computes HMAC-SHA256(serverSeed, step|userSeed|nonce). It is
// deterministic, so a player holding the revealed server seed can reproduce it.
func DeriveHash(serverSeed, userSeed string, nonce int64, step int) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(mac, "%d|%s|%d", step, userSeed, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
