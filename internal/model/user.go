// Package model はドメインモデルを定義する。
package model

import "time"

// User はIdentity Providerが管理する認証済みユーザーを表す。
// アプリケーションはこの値をキャッシュとして扱い、正はProvider側にある。
type User struct {
	ID               string
	Email            string
	FullName         string
	Metadata         map[string]any
	EmailConfirmedAt *time.Time
}

// MetadataRole はuser_metadata.roleを文字列として返す。未設定の場合は空文字列。
func (u *User) MetadataRole() string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	v, _ := u.Metadata["role"].(string)
	return v
}

// MetadataFullName はuser_metadata.full_nameを返す。
// Provider側のname（Google等）が入っている場合はそちらをフォールバックとする。
func (u *User) MetadataFullName() string {
	if u == nil {
		return ""
	}
	if u.Metadata != nil {
		if v, ok := u.Metadata["full_name"].(string); ok && v != "" {
			return v
		}
		if v, ok := u.Metadata["name"].(string); ok && v != "" {
			return v
		}
	}
	return u.FullName
}

// Session はアプリケーションのログインセッションを表す。
// Provider発行のアクセストークンとリフレッシュトークンをサーバー側に保持し、
// ブラウザにはセッションIDのみをHTTP Only Cookieで渡す。
type Session struct {
	ID             string
	UserID         string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// TokenExpired はキャッシュ済みアクセストークンが期限切れ（またはskew以内）かどうかを判定する。
func (s *Session) TokenExpired(now time.Time, skew time.Duration) bool {
	if s.TokenExpiresAt.IsZero() {
		return true
	}
	return !now.Add(skew).Before(s.TokenExpiresAt)
}
