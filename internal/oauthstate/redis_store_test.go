package oauthstate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis はTEST_REDIS_URLのRedisに接続する。未設定・接続不可の場合はスキップする。
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URLが未設定のためスキップ")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redisに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisStore_SaveAndConsumeOnce(t *testing.T) {
	store := NewRedisStore(newTestRedis(t))
	ctx := context.Background()

	entry := &Entry{Nonce: "redis-n1", Role: "maid", CodeVerifier: "v1", CreatedAt: time.Now().UTC()}
	if err := store.Save(ctx, entry, time.Minute); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Consume(ctx, "redis-n1")
	if err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	if got.Role != "maid" || got.CodeVerifier != "v1" {
		t.Errorf("unexpected entry: %+v", got)
	}

	if _, err := store.Consume(ctx, "redis-n1"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("second Consume() error = %v, want ErrUnknownState", err)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	if err := rdb.Set(ctx, redisKeyPrefix+"corrupt", "{not json", time.Minute).Err(); err != nil {
		t.Fatalf("failed to seed corrupt value: %v", err)
	}
	if _, err := store.Consume(ctx, "corrupt"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Consume() error = %v, want ErrUnknownState", err)
	}
}
