package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/maidconnect/internal/model"
)

// defaultAudience はSupabaseがサインイン済みユーザーのトークンに設定するaud。
const defaultAudience = "authenticated"

// ErrVerifierDisabled はJWTシークレット未設定時に返す。呼び出し側はGetUserにフォールバックする。
var ErrVerifierDisabled = errors.New("identity: token verifier is not configured")

// accessTokenClaims はSupabaseアクセストークンのクレーム。
type accessTokenClaims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// TokenVerifier はProviderのアクセストークンをプロジェクトのJWTシークレット（HS256）でローカル検証する。
// 有効期限内のトークンについてProviderへの問い合わせを省略するために使う。
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier はTokenVerifierを生成する。secretが空の場合、Verifyは常にErrVerifierDisabledを返す。
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(defaultAudience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// Enabled はシークレットが設定されているかを返す。
func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify はトークンを検証し、ユーザーとトークンの有効期限を返す。
func (v *TokenVerifier) Verify(token string) (*model.User, time.Time, error) {
	if !v.Enabled() {
		return nil, time.Time{}, ErrVerifierDisabled
	}

	claims := &accessTokenClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, time.Time{}, fmt.Errorf("invalid access token: empty subject")
	}

	user := &model.User{
		ID:       claims.Subject,
		Email:    claims.Email,
		Metadata: claims.UserMetadata,
	}
	user.FullName = user.MetadataFullName()

	return user, claims.ExpiresAt.Time, nil
}
