// Package oauthstate はOAuthリダイレクトをまたいで保持する短命のstateを管理する。
//
// stateはサーバー側に保存され、1回のみ消費できる。PKCEのcode_verifierと
// 利用者が選択したロールをリダイレクト間で受け渡すために使う。
package oauthstate

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/maidconnect/internal/model"
)

// ErrUnknownState は存在しない・期限切れ・消費済み・改ざんされたstateを表す。
var ErrUnknownState = errors.New("oauthstate: unknown or expired state")

// Entry はstateに紐づくサーバー側の情報。
type Entry struct {
	Nonce        string     `json:"nonce"`
	Role         model.Role `json:"role,omitempty"`
	CodeVerifier string     `json:"code_verifier"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Store はstateエントリの保存先。
type Store interface {
	// Save はエントリをttlの間保存する。
	Save(ctx context.Context, entry *Entry, ttl time.Duration) error
	// Consume はエントリを取り出して削除する。存在しない場合はErrUnknownStateを返す。
	Consume(ctx context.Context, nonce string) (*Entry, error)
}
