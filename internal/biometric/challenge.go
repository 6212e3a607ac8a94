package biometric

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiredGrace keeps an expired challenge around briefly so that a late
// response is reported as expired rather than unknown.
const expiredGrace = time.Minute

func challengeKey(userID string, p Purpose) string {
	return "webauthn:challenge:" + string(p) + ":" + userID
}

// RedisChallengeStore shares challenges across API replicas.
type RedisChallengeStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, now: time.Now}
}

// Put replaces any outstanding challenge of the same purpose.
func (s *RedisChallengeStore) Put(ctx context.Context, c Challenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ttl := c.ExpiresAt.Sub(s.now()) + expiredGrace
	if ttl <= 0 {
		ttl = expiredGrace
	}
	return s.client.Set(ctx, challengeKey(c.UserID, c.Purpose), raw, ttl).Err()
}

// Take reads and deletes in one GETDEL; two concurrent takers cannot both
// receive the challenge.
func (s *RedisChallengeStore) Take(ctx context.Context, userID string, p Purpose) (Challenge, error) {
	raw, err := s.client.GetDel(ctx, challengeKey(userID, p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return Challenge{}, err
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

// MemoryChallengeStore is the single-process fallback.
type MemoryChallengeStore struct {
	mu    sync.Mutex
	items map[string]Challenge
	now   func() time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{items: make(map[string]Challenge), now: time.Now}
}

func (s *MemoryChallengeStore) Put(_ context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.items[challengeKey(c.UserID, c.Purpose)] = c
	return nil
}

func (s *MemoryChallengeStore) Take(_ context.Context, userID string, p Purpose) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := challengeKey(userID, p)
	c, ok := s.items[key]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	delete(s.items, key)
	return c, nil
}

func (s *MemoryChallengeStore) sweepLocked() {
	cutoff := s.now().Add(-expiredGrace)
	for k, c := range s.items {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.items, k)
		}
	}
}
