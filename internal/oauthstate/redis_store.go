package oauthstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix はRedis上のキー接頭辞。
const redisKeyPrefix = "maidconnect:oauth_state:"

// RedisStore はRedisによるStore。複数インスタンス構成でstateを共有する。
type RedisStore struct {
	rdb redis.Cmdable
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Save はエントリをJSONで保存する。
func (s *RedisStore) Save(ctx context.Context, entry *Entry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode oauth state: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+entry.Nonce, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

// Consume はGETDELでエントリを原子的に取り出す。
func (s *RedisStore) Consume(ctx context.Context, nonce string) (*Entry, error) {
	raw, err := s.rdb.GetDel(ctx, redisKeyPrefix+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// 壊れた値は存在しないものとして扱う
		return nil, ErrUnknownState
	}
	return &entry, nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
