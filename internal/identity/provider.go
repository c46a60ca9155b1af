// Package identity はSupabase Auth（GoTrue）互換のIdentity Providerとの連携を提供する。
//
// パスワード認証、サインアップ、OAuth（PKCE）のコード交換、トークンのリフレッシュ、
// サインアウト、パスワードリセット、user_metadataの更新をProviderインターフェースで抽象化する。
package identity

import (
	"context"
	"time"

	"github.com/hitoshi/maidconnect/internal/model"
)

// Session はProviderが発行した認証情報。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *model.User
}

// SignUpParams はサインアップ要求のパラメータ。
type SignUpParams struct {
	Email    string
	Password string
	// Metadata はuser_metadataとして保存される（full_name、email、role）。
	Metadata map[string]any
	// RedirectTo は確認メールのリンク先。
	RedirectTo string
	// CodeChallenge を指定すると確認リンクはPKCEの認可コード付きでRedirectToへ戻る。
	CodeChallenge string
}

// SignUpResult はサインアップの結果。
// メール確認が必要な場合、Sessionはnilとなる。
type SignUpResult struct {
	User    *model.User
	Session *Session
}

// AuthorizeParams はOAuth認可URL生成のパラメータ。
type AuthorizeParams struct {
	Provider      string
	RedirectTo    string
	CodeChallenge string
	// QueryParams は上流プロバイダーへ引き渡す追加パラメータ（access_type、prompt等）。
	QueryParams map[string]string
}

// Provider はIdentity Providerの操作を定義する。
type Provider interface {
	// SignUp はメールアドレスとパスワードでユーザーを作成する。
	SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error)
	// SignInWithPassword はパスワードグラントでセッションを取得する。
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// AuthorizeURL はOAuthプロバイダーへの認可URLを生成する。ネットワーク通信は行わない。
	AuthorizeURL(params AuthorizeParams) (string, error)
	// ExchangeCodeForSession はPKCEの認可コードをセッションに交換する。
	ExchangeCodeForSession(ctx context.Context, code, codeVerifier string) (*Session, error)
	// GetUser はアクセストークンに対応するユーザーを取得する。
	GetUser(ctx context.Context, accessToken string) (*model.User, error)
	// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	// SignOut はアクセストークンを失効させる。
	SignOut(ctx context.Context, accessToken string) error
	// RecoverPassword はパスワードリセットメールを送信する。
	RecoverPassword(ctx context.Context, email, redirectTo, codeChallenge string) error
	// UpdatePassword はサインイン中のユーザーのパスワードを変更する。
	UpdatePassword(ctx context.Context, accessToken, password string) error
	// UpdateUserMetadata はservice roleキーでuser_metadataを更新する。
	UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) error
}
