package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "smartcare:session:"

// RedisStore keeps each state as a JSON blob with a sliding TTL.
// Lock only serializes within this process.
type RedisStore struct {
	*keyedMutex

	c   redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(c redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{keyedMutex: newKeyedMutex(), c: c, ttl: ttl}
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	data, err := s.c.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) Save(ctx context.Context, st *State) error {
	st.UpdatedAt = time.Now()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	if err := s.c.Set(ctx, redisKey(st.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("保存会话失败: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.c.Del(ctx, redisKey(id)).Err()
}
