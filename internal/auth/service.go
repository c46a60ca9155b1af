// Package auth はサインアップ、サインイン、OAuthコールバック、セッション状態の解決を提供する。
//
// Identity Providerの呼び出し、ロール解決、プロフィールの書き込み、アプリケーションセッションの発行、
// 認証状態ストアの遷移を1つのフローとしてまとめる。ロールを既定値に落とす判断はこのパッケージだけが行う。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/errreport"
	"github.com/hitoshi/maidconnect/internal/identity"
	"github.com/hitoshi/maidconnect/internal/metrics"
	"github.com/hitoshi/maidconnect/internal/model"
	"github.com/hitoshi/maidconnect/internal/oauthstate"
	"github.com/hitoshi/maidconnect/internal/profile"
	"github.com/hitoshi/maidconnect/internal/repository"
	"github.com/hitoshi/maidconnect/internal/role"
)

var (
	// ErrCallbackFailed はOAuthコールバックの失敗を表す。原因は区別しない。
	ErrCallbackFailed = errors.New("auth: failed to complete oauth callback")
	// ErrSessionNotFound はセッションが存在しない、または期限切れであることを表す。
	ErrSessionNotFound = errors.New("auth: session not found")
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

// ConfirmationMessage はメール確認待ちのサインアップ結果に付けるメッセージ。
const ConfirmationMessage = "Please check your email to verify your account"

// ResetPasswordPath はパスワードリセットメールから戻った後の遷移先。
const ResetPasswordPath = "/reset-password"

// ProfileService はプロフィールの読み書きを提供する。*profile.Serviceが実装する。
type ProfileService interface {
	Get(ctx context.Context, id string) (*model.Profile, error)
	AwaitTrigger(ctx context.Context, id string) (*model.Profile, error)
	Ensure(ctx context.Context, in profile.EnsureInput) (*model.Profile, error)
}

// TokenVerifier はアクセストークンをローカルで検証する。*identity.TokenVerifierが実装する。
type TokenVerifier interface {
	Enabled() bool
	Verify(token string) (*model.User, time.Time, error)
}

// StateIssuer はOAuthのstateを発行・検証する。*oauthstate.Issuerが実装する。
type StateIssuer interface {
	Issue(ctx context.Context, r *model.Role) (string, string, error)
	IssueWithTTL(ctx context.Context, r *model.Role, ttl time.Duration) (string, string, error)
	Redeem(ctx context.Context, state string) (*oauthstate.Entry, error)
}

// DefaultTokenRefreshSkew はTokenRefreshSkew未設定時の既定値。
const DefaultTokenRefreshSkew = 30 * time.Second

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BaseURL       string     // コールバックURLの組み立てに使う公開URL
	DefaultRole   model.Role // ロールを解決できない場合の既定値
	SessionMaxAge int        // セッション有効期間（秒）
	// SignupConfirmTTL は確認メール・リセットメールのリンクに紐づくstateの有効期間。
	SignupConfirmTTL time.Duration
	// TokenRefreshSkew はアクセストークンの期限切れ前にリフレッシュを始める余裕。
	TokenRefreshSkew time.Duration
	// OAuthProviders はサインインを許可するOAuthプロバイダー名。
	OAuthProviders []string
}

// Deps は認証サービスの依存関係。
type Deps struct {
	Provider identity.Provider
	Verifier TokenVerifier
	Profiles ProfileService
	Sessions repository.SessionRepository
	States   *authstate.Store
	Issuer   StateIssuer
	Metrics  metrics.MetricsCollector
	Reporter errreport.Reporter
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	provider identity.Provider
	verifier TokenVerifier
	profiles ProfileService
	sessions repository.SessionRepository
	states   *authstate.Store
	issuer   StateIssuer
	metrics  metrics.MetricsCollector
	reporter errreport.Reporter
	config   ServiceConfig

	now          func() time.Time
	newSessionID func() (string, error)
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if !config.DefaultRole.Valid() {
		config.DefaultRole = model.RoleEmployer
	}
	if len(config.OAuthProviders) == 0 {
		config.OAuthProviders = []string{"google"}
	}
	if config.TokenRefreshSkew <= 0 {
		config.TokenRefreshSkew = DefaultTokenRefreshSkew
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	reporter := deps.Reporter
	if reporter == nil {
		reporter = errreport.Nop{}
	}

	return &Service{
		provider:     deps.Provider,
		verifier:     deps.Verifier,
		profiles:     deps.Profiles,
		sessions:     deps.Sessions,
		states:       deps.States,
		issuer:       deps.Issuer,
		metrics:      deps.Metrics,
		reporter:     reporter,
		config:       config,
		now:          time.Now,
		newSessionID: generateSessionID,
	}
}

// SessionMaxAge はセッションCookieの有効期間（秒）を返す。
func (s *Service) SessionMaxAge() int {
	return s.config.SessionMaxAge
}

// createSession はProviderのセッションを保持するアプリケーションセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string, ps *identity.Session) (*model.Session, error) {
	sessionID, err := s.newSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:             sessionID,
		UserID:         userID,
		AccessToken:    ps.AccessToken,
		RefreshToken:   ps.RefreshToken,
		TokenExpiresAt: ps.ExpiresAt,
		ExpiresAt:      now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:      now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// establish は新しいセッションの認証状態をLOADINGからAUTHENTICATEDへ進める。
func (s *Service) establish(session *model.Session, user *model.User, r model.Role) {
	sessionID := session.ID
	s.states.Begin(sessionID)
	if _, err := s.authenticate(session, user, r); err != nil {
		slog.Error("failed to record authenticated state",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		authstate.Settle(s.states, sessionID)
	}
}

// authenticate はセッションの残り有効期間を上限としてAUTHENTICATEDを記録する。
func (s *Service) authenticate(session *model.Session, user *model.User, r model.Role) (authstate.Snapshot, error) {
	return s.states.AuthenticateFor(session.ID, user, r, session.ExpiresAt.Sub(s.now()))
}

// degrade はロールを既定値に落とす。ログ、メトリクス、エラー報告を必ず伴う。
func (s *Service) degrade(ctx context.Context, flow, reason string, user *model.User, cause error) model.Role {
	if cause == nil {
		cause = fmt.Errorf("role fell back to %s: %s", s.config.DefaultRole, reason)
	}

	attrs := []any{
		slog.String("flow", flow),
		slog.String("reason", reason),
		slog.String("role", string(s.config.DefaultRole)),
		slog.String("error", cause.Error()),
	}
	if user != nil {
		attrs = append(attrs, slog.String("user_id", user.ID))
	}
	slog.Warn("role fell back to default", attrs...)

	s.metrics.RecordRoleFallback(flow, reason)
	s.reporter.Report(ctx, cause, map[string]string{"flow": flow, "reason": reason})
	return s.config.DefaultRole
}

// storedRole はprofilesに保存済みのロールを返す。
// 行が無い場合は1回だけ待って再読み込みし、それでも無ければuser_metadataまたは既定値で作成する。
func (s *Service) storedRole(ctx context.Context, flow string, user *model.User) model.Role {
	p, err := s.profiles.Get(ctx, user.ID)
	if err != nil {
		return s.degrade(ctx, flow, "profile_lookup_failed", user, err)
	}
	if p == nil {
		p, err = s.profiles.AwaitTrigger(ctx, user.ID)
		if err != nil {
			return s.degrade(ctx, flow, "profile_lookup_failed", user, err)
		}
	}
	if p != nil {
		s.metrics.RecordRoleResolved(string(role.SourceStored))
		return p.Role
	}

	res := role.Resolve(role.Source{Name: role.SourceMetadata, Value: user.MetadataRole()})
	if res.Resolved {
		s.metrics.RecordRoleResolved(string(res.Source))
	} else {
		res = role.OrDefault(res, s.degrade(ctx, flow, "profile_missing", user, nil))
	}

	created, err := s.profiles.Ensure(ctx, profile.EnsureInput{User: user, Role: res.Role})
	if err != nil {
		slog.Error("failed to create missing profile",
			slog.String("flow", flow),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		s.reporter.Report(ctx, err, map[string]string{"flow": flow, "reason": "profile_write_failed"})
		return res.Role
	}
	return created.Role
}

// track はProvider呼び出しのレイテンシを記録する関数を返す。deferで使う。
func (s *Service) track(operation string) func() {
	start := time.Now()
	return func() {
		s.metrics.RecordProviderLatency(operation, time.Since(start))
	}
}

// callbackURL はIdentity Providerから戻る先のURLを組み立てる。
func (s *Service) callbackURL(state string, extra url.Values) string {
	q := url.Values{"state": {state}}
	for k, v := range extra {
		q[k] = v
	}
	return s.config.BaseURL + "/auth/callback?" + q.Encode()
}

// providerError はProviderのエラーを利用者向けのAPIErrorに変換する。変換できない場合はラップして返す。
func providerError(err error, action string) error {
	if identity.IsUnavailable(err) {
		return model.NewProviderUnavailableError()
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
