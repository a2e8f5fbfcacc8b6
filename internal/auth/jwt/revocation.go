package jwt

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RevocationStore tracks revoked token IDs (jti) until they would have
// expired anyway.
type RevocationStore interface {
	// Revoke marks a jti revoked until expiresAt.
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error

	// IsRevoked reports whether a jti has been revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocationStore is a bounded LRU set of revoked jtis. When the
// capacity is exceeded the oldest entry is evicted; evicted tokens will
// still fail validation once their exp passes, so the approximation is
// acceptable.
type MemoryRevocationStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = oldest
	entries  map[string]*list.Element // jti -> element holding revokedEntry
	logger   *zap.Logger
}

type revokedEntry struct {
	jti       string
	expiresAt time.Time
}

// NewMemoryRevocationStore creates a bounded in-memory revocation set.
func NewMemoryRevocationStore(capacity int, logger *zap.Logger) *MemoryRevocationStore {
	if capacity <= 0 {
		capacity = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRevocationStore{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		logger:   logger,
	}
}

// Revoke marks a jti revoked until expiresAt.
func (s *MemoryRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	// Already-expired tokens fail validation on exp anyway.
	if time.Until(expiresAt) <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[jti]; exists {
		elem.Value.(*revokedEntry).expiresAt = expiresAt
		s.order.MoveToBack(elem)
		return nil
	}

	if s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		if oldest != nil {
			evicted := oldest.Value.(*revokedEntry)
			s.order.Remove(oldest)
			delete(s.entries, evicted.jti)
			s.logger.Debug("revocation set full, evicted oldest entry",
				zap.String("jti", evicted.jti),
				zap.Time("expires_at", evicted.expiresAt),
			)
		}
	}

	elem := s.order.PushBack(&revokedEntry{jti: jti, expiresAt: expiresAt})
	s.entries[jti] = elem
	return nil
}

// IsRevoked reports whether a jti has been revoked. Entries whose exp has
// passed are dropped lazily.
func (s *MemoryRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.entries[jti]
	if !exists {
		return false, nil
	}
	entry := elem.Value.(*revokedEntry)
	if time.Now().After(entry.expiresAt) {
		s.order.Remove(elem)
		delete(s.entries, jti)
		return false, nil
	}
	return true, nil
}

// Len returns the number of tracked revocations.
func (s *MemoryRevocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// RedisRevocationStore backs the revocation set with Redis, letting TTLs
// expire entries. Key format: revoked:jwt:{jti}.
type RedisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore creates a Redis-backed revocation store.
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

func redisRevocationKey(jti string) string {
	return fmt.Sprintf("revoked:jwt:%s", jti)
}

// Revoke marks a jti revoked until expiresAt.
func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisRevocationKey(jti), expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a jti has been revoked.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, redisRevocationKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}
