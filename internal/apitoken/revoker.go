package apitoken

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker tracks revoked token ids until they would have expired anyway.
type Revoker interface {
	Revoke(jti string, ttl time.Duration) error
	IsRevoked(jti string) (bool, error)
}

// MemoryRevoker keeps revoked ids in-process (single instance only).
type MemoryRevoker struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

// NewMemoryRevoker builds an in-memory revoker.
func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{ids: make(map[string]time.Time)}
}

// Revoke marks a token id as revoked for ttl.
func (r *MemoryRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.ids[jti] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked reports whether a token id is revoked.
func (r *MemoryRevoker) IsRevoked(jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.ids[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.ids, jti)
		return false, nil
	}
	return true, nil
}

// RedisRevoker stores revoked ids in Redis with TTL so revocations survive
// restarts.
type RedisRevoker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRevoker builds a Redis-backed revoker on a shared client.
func NewRedisRevoker(client redis.UniversalClient, prefix string) *RedisRevoker {
	if prefix == "" {
		prefix = "smsinbox:revoked"
	}
	return &RedisRevoker{client: client, prefix: prefix}
}

// Revoke marks a token id as revoked for ttl.
func (r *RedisRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.key(jti), "1", ttl).Err()
}

// IsRevoked reports whether a token id is revoked.
func (r *RedisRevoker) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRevoker) key(jti string) string {
	return r.prefix + ":" + jti
}
