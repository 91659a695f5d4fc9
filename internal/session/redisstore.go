package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys.
const DefaultRedisPrefix = "guardpost:session:"

// RedisStore keeps sessions as JSON values in Redis.
//
// Keys expire at the session's ExpiryTime. Sessions without an expiry time
// use maxAge, or never expire when maxAge is zero.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store using rdb. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string, maxAge time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	const op = "RedisStore.Get"

	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionInvalid
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load session")
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, domain.ErrSessionInvalid
	}
	return &sess, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, id string, sess *domain.Session) error {
	const op = "RedisStore.Put"

	ttl := s.maxAge
	if sess.ExpiryTime != nil {
		ttl = sess.ExpiryTime.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, id)
		}
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return domain.Internal(err, op, "failed to encode session")
	}

	if err := s.rdb.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return domain.Internal(err, op, "failed to store session")
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	const op = "RedisStore.Delete"

	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return domain.Internal(err, op, "failed to delete session")
	}
	return nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}
