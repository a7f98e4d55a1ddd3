package tokens

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "smartcare:tokens:"
	totalKey  = keyPrefix + "_total"

	fieldCalls      = "calls"
	fieldPrompt     = "prompt_tokens"
	fieldCompletion = "completion_tokens"
	fieldCost       = "cost"
)

// RedisAccumulator keeps one hash per session plus a global hash, updated in a single pipeline
type RedisAccumulator struct {
	c   redis.Cmdable
	ttl time.Duration
}

// NewRedis ttl applies to per-session hashes only; zero keeps them forever.
func NewRedis(c redis.Cmdable, ttl time.Duration) *RedisAccumulator {
	return &RedisAccumulator{c: c, ttl: ttl}
}

func sessionKey(sessionID string) string { return keyPrefix + sessionID }

// Add increments counters atomically
func (a *RedisAccumulator) Add(ctx context.Context, sessionID string, u Usage) error {
	if a.c == nil {
		return ErrNoLedger
	}
	key := sessionKey(sessionID)
	_, err := a.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range []string{key, totalKey} {
			p.HIncrBy(ctx, k, fieldCalls, 1)
			p.HIncrBy(ctx, k, fieldPrompt, int64(u.PromptTokens))
			p.HIncrBy(ctx, k, fieldCompletion, int64(u.CompletionTokens))
			p.HIncrByFloat(ctx, k, fieldCost, u.Cost)
		}
		if a.ttl > 0 {
			p.Expire(ctx, key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("记录token用量失败: %w", err)
	}
	return nil
}

func (a *RedisAccumulator) Summary(ctx context.Context, sessionID string) (Summary, error) {
	s, err := a.read(ctx, sessionKey(sessionID))
	s.SessionID = sessionID
	return s, err
}

func (a *RedisAccumulator) Total(ctx context.Context) (Summary, error) {
	return a.read(ctx, totalKey)
}

// Cleanup removes the session hash
func (a *RedisAccumulator) Cleanup(ctx context.Context, sessionID string) error {
	if a.c == nil {
		return ErrNoLedger
	}
	return a.c.Del(ctx, sessionKey(sessionID)).Err()
}

func (a *RedisAccumulator) read(ctx context.Context, key string) (Summary, error) {
	if a.c == nil {
		return Summary{}, ErrNoLedger
	}
	vals, err := a.c.HGetAll(ctx, key).Result()
	if err != nil {
		return Summary{}, fmt.Errorf("读取token用量失败: %w", err)
	}

	var s Summary
	s.Calls = parseInt64(vals[fieldCalls])
	s.PromptTokens = int(parseInt64(vals[fieldPrompt]))
	s.CompletionTokens = int(parseInt64(vals[fieldCompletion]))
	if v := vals[fieldCost]; v != "" {
		s.Cost, _ = strconv.ParseFloat(v, 64)
	}
	return s, nil
}

// parseInt64 treats missing or malformed fields as zero
func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
