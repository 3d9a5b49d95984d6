package library

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore remembers logged-out session ids until their tokens expire.
type RevocationStore interface {
	Revoke(ctx context.Context, sessionID string, until time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// MemoryRevocations is a process-local RevocationStore.
type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocations) Revoke(_ context.Context, sessionID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	// Drop entries whose tokens have expired on their own.
	for id, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, id)
		}
	}
	m.revoked[sessionID] = until
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[sessionID]
	return ok, nil
}

// RedisRevocations shares revoked session ids between server instances. Keys
// expire with the token they block.
type RedisRevocations struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRevocations connects to the Redis server at url (redis://host:port/db).
func NewRedisRevocations(ctx context.Context, url string) (*RedisRevocations, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisRevocations{rdb: rdb, prefix: "library:revoked:"}, nil
}

func (r *RedisRevocations) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, r.prefix+sessionID, 1, ttl).Err()
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping checks connectivity.
func (r *RedisRevocations) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Close closes the Redis connection.
func (r *RedisRevocations) Close() error { return r.rdb.Close() }
