package oauthstate

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore はttlcacheによるプロセス内Store。単一インスタンス構成で使用する。
type MemoryStore struct {
	cache *ttlcache.Cache[string, *Entry]
}

// NewMemoryStore はMemoryStoreを生成し、期限切れエントリの掃除を開始する。
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Entry](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	)
	go cache.Start()

	return &MemoryStore{cache: cache}
}

// Save はエントリを保存する。
func (s *MemoryStore) Save(_ context.Context, entry *Entry, ttl time.Duration) error {
	s.cache.Set(entry.Nonce, entry, ttl)
	return nil
}

// Consume はエントリを取り出して削除する。
func (s *MemoryStore) Consume(_ context.Context, nonce string) (*Entry, error) {
	item, ok := s.cache.GetAndDelete(nonce)
	if !ok || item == nil || item.IsExpired() {
		return nil, ErrUnknownState
	}
	return item.Value(), nil
}

// Len は保持中のエントリ数を返す。
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Stop は掃除用goroutineを停止する。
func (s *MemoryStore) Stop() {
	s.cache.Stop()
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
