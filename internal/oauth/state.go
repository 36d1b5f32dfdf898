package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore remembers issued state nonces until they are consumed once.
type StateStore interface {
	Save(ctx context.Context, state string) error
	// Consume reports whether state was issued and not yet used.
	Consume(ctx context.Context, state string) (bool, error)
}

// RedisStateStore keeps nonces in Redis with a TTL.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func (s *RedisStateStore) Save(ctx context.Context, state string) error {
	ok, err := s.client.SetNX(ctx, stateKey(state), "1", s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("oauth: state already issued")
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	_, err := s.client.GetDel(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func stateKey(state string) string {
	return fmt.Sprintf("oauth_state:%s", state)
}

// MemoryStateStore keeps nonces in process. It is meant for a single
// instance and for tests.
type MemoryStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[string]time.Time
}

func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	return &MemoryStateStore{
		ttl:     ttl,
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

func (s *MemoryStateStore) Save(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.expires {
		if now.After(expiry) {
			delete(s.expires, key)
		}
	}
	if _, exists := s.expires[state]; exists {
		return fmt.Errorf("oauth: state already issued")
	}
	s.expires[state] = now.Add(s.ttl)
	return nil
}

func (s *MemoryStateStore) Consume(ctx context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.expires[state]
	if !ok {
		return false, nil
	}
	delete(s.expires, state)
	return !s.now().After(expiry), nil
}
