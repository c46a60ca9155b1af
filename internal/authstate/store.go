// Package authstate はセッションごとの認証状態を保持する状態機械を提供する。
//
// 状態はUNKNOWN、LOADING、AUTHENTICATED、ANONYMOUSの4つで、許可される遷移は次の通り。
//
//	UNKNOWN       → LOADING
//	LOADING       → AUTHENTICATED | ANONYMOUS
//	AUTHENTICATED → ANONYMOUS（サインアウト）
//	任意          → LOADING（認証状態変更イベント）
//
// エラー状態は持たない。失敗は必ずANONYMOUSとして解決する。
package authstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/maidconnect/internal/model"
)

// Status は認証状態。
type Status string

const (
	StatusUnknown       Status = "UNKNOWN"
	StatusLoading       Status = "LOADING"
	StatusAuthenticated Status = "AUTHENTICATED"
	StatusAnonymous     Status = "ANONYMOUS"
)

// ErrInvalidTransition は許可されていない状態遷移を表す。
var ErrInvalidTransition = errors.New("authstate: invalid transition")

// Snapshot はある時点の認証状態。AUTHENTICATEDの場合のみUserID、Email、Role、ExpiresAtが設定される。
type Snapshot struct {
	SessionID string     `json:"-"`
	Status    Status     `json:"status"`
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	Role      model.Role `json:"role,omitempty"`
	// ExpiresAt はセッションの有効期限。これを過ぎたAUTHENTICATEDはキャッシュに残らない。
	ExpiresAt time.Time  `json:"expires_at,omitzero"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Resolved はLOADINGでもUNKNOWNでもない確定状態かを返す。
func (s Snapshot) Resolved() bool {
	return s.Status == StatusAuthenticated || s.Status == StatusAnonymous
}

// subscriberBuffer は購読チャネルのバッファ長。溢れた場合は古い通知を捨てる。
const subscriberBuffer = 8

// Observer は状態遷移ごとに呼ばれる。メトリクス記録に使う。
type Observer func(from, to Status)

// Store はセッションIDごとの認証状態を保持する。エントリはttlで失効する。
type Store struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[string, Snapshot]
	ttl      time.Duration
	subs     map[string]map[uint64]chan Snapshot
	nextSub  uint64
	group    singleflight.Group
	observer Observer
	now      func() time.Time
}

// NewStore はStoreを生成する。ttlは通常セッションの最大有効期間と同じ値を指定する。
func NewStore(ttl time.Duration, observer Observer) *Store {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Snapshot](ttl),
		ttlcache.WithDisableTouchOnHit[string, Snapshot](),
	)
	go cache.Start()

	return &Store{
		cache:    cache,
		ttl:      ttl,
		subs:     make(map[string]map[uint64]chan Snapshot),
		observer: observer,
		now:      time.Now,
	}
}

// Stop は失効処理のgoroutineを停止する。
func (s *Store) Stop() {
	s.cache.Stop()
}

// Get は現在の状態を返す。未知のセッションはUNKNOWNとなる。
func (s *Store) Get(sessionID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

func (s *Store) getLocked(sessionID string) Snapshot {
	if item := s.cache.Get(sessionID); item != nil {
		snap := item.Value()
		if snap.ExpiresAt.IsZero() || s.now().Before(snap.ExpiresAt) {
			return snap
		}
	}
	return Snapshot{SessionID: sessionID, Status: StatusUnknown}
}

// Begin は状態をLOADINGにする。どの状態からも遷移できる。
func (s *Store) Begin(sessionID string) Snapshot {
	snap, _ := s.transition(sessionID, Snapshot{Status: StatusLoading}, StatusUnknown, StatusLoading, StatusAuthenticated, StatusAnonymous)
	return snap
}

// Authenticate はLOADINGからAUTHENTICATEDに遷移する。状態はストアのttlの間保持される。
func (s *Store) Authenticate(sessionID string, user *model.User, role model.Role) (Snapshot, error) {
	return s.AuthenticateFor(sessionID, user, role, s.ttl)
}

// AuthenticateFor はLOADINGからAUTHENTICATEDに遷移する。
// 状態はremaining（セッションの残り有効期間）とストアのttlの短い方だけ保持される。
func (s *Store) AuthenticateFor(sessionID string, user *model.User, role model.Role, remaining time.Duration) (Snapshot, error) {
	if user == nil || !role.Valid() {
		return Snapshot{}, fmt.Errorf("authstate: authenticate requires a user and a valid role")
	}
	if remaining <= 0 {
		return Snapshot{}, fmt.Errorf("authstate: session has already expired")
	}
	if remaining > s.ttl {
		remaining = s.ttl
	}
	return s.transition(sessionID, Snapshot{
		Status:    StatusAuthenticated,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      role,
		ExpiresAt: s.now().Add(remaining),
	}, StatusLoading)
}

// Clear はLOADINGまたはAUTHENTICATEDからANONYMOUSに遷移する。
// すでにANONYMOUSの場合は何もしない。
func (s *Store) Clear(sessionID string) (Snapshot, error) {
	s.mu.Lock()
	cur := s.getLocked(sessionID)
	s.mu.Unlock()
	if cur.Status == StatusAnonymous {
		return cur, nil
	}
	return s.transition(sessionID, Snapshot{Status: StatusAnonymous}, StatusLoading, StatusAuthenticated)
}

// Forget はセッションの状態を破棄する。以後のGetはUNKNOWNを返す。
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(sessionID)
}

// Do は同一セッションの同時初期化を1回にまとめる。
// 最初の呼び出しのfnの結果を、同時に待っていた全呼び出し元が受け取る。
func (s *Store) Do(sessionID string, fn func() (Snapshot, error)) (Snapshot, error) {
	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		return fn()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Subscribe はセッションの状態変化を受け取るチャネルを返す。
// 現在の状態が最初に1回送られる。cancelを呼ぶとチャネルは閉じられる。
func (s *Store) Subscribe(sessionID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[uint64]chan Snapshot)
	}
	s.subs[sessionID][id] = ch
	ch <- s.getLocked(sessionID)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[sessionID], id)
			if len(s.subs[sessionID]) == 0 {
				delete(s.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// transition は現在の状態がfromのいずれかである場合のみnextに遷移させ、購読者に通知する。
func (s *Store) transition(sessionID string, next Snapshot, from ...Status) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.getLocked(sessionID)
	allowed := false
	for _, f := range from {
		if cur.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}

	next.SessionID = sessionID
	next.UpdatedAt = s.now()
	ttl := s.ttl
	if !next.ExpiresAt.IsZero() {
		ttl = next.ExpiresAt.Sub(next.UpdatedAt)
	}
	s.cache.Set(sessionID, next, ttl)

	if s.observer != nil {
		s.observer(cur.Status, next.Status)
	}
	for _, ch := range s.subs[sessionID] {
		publish(ch, next)
	}
	return next, nil
}

// publish は購読チャネルへ送信する。バッファが満杯の場合は最も古い通知を捨てる。
func publish(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Settle はdeferで呼び出し、フローの終了時にLOADINGのまま残った状態をANONYMOUSに確定させる。
func Settle(store *Store, sessionID string) {
	store.mu.Lock()
	cur := store.getLocked(sessionID)
	store.mu.Unlock()
	if cur.Status == StatusLoading {
		_, _ = store.Clear(sessionID)
	}
}
