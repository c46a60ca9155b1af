package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hitoshi/maidconnect/internal/identity"
	"github.com/hitoshi/maidconnect/internal/model"
	"github.com/hitoshi/maidconnect/internal/profile"
	"github.com/hitoshi/maidconnect/internal/role"
)

// CallbackInput はOAuthコールバックのクエリパラメータ。
type CallbackInput struct {
	Code  string
	State string
	Role  string
	Next  string
}

// CallbackResult はOAuthコールバックの結果。
type CallbackResult struct {
	Session  *model.Session
	Profile  *model.Profile
	Redirect string
}

// BeginOAuth はOAuthプロバイダーへの認可URLを返す。
// roleValueが空でない場合は選択されたロールをstateに含める。
func (s *Service) BeginOAuth(ctx context.Context, provider, roleValue string) (string, error) {
	if !slices.Contains(s.config.OAuthProviders, provider) {
		return "", model.NewUnsupportedProviderError(provider)
	}

	var selected *model.Role
	if roleValue != "" {
		r, ok := model.ParseRole(roleValue)
		if !ok {
			return "", model.NewInvalidRoleError(roleValue)
		}
		selected = &r
	}

	state, verifier, err := s.issuer.Issue(ctx, selected)
	if err != nil {
		return "", fmt.Errorf("failed to issue oauth state: %w", err)
	}

	var query map[string]string
	if provider == "google" {
		query = map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		}
	}

	authURL, err := s.provider.AuthorizeURL(identity.AuthorizeParams{
		Provider:      provider,
		RedirectTo:    s.callbackURL(state, nil),
		CodeChallenge: identity.CodeChallenge(verifier),
		QueryParams:   query,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build authorize url: %w", err)
	}

	s.metrics.RecordAuthAttempt("oauth", "started")
	return authURL, nil
}

// HandleCallback は認可コードをセッションに交換し、ロールを解決してプロフィールに書き込む。
//
// ロールの優先順位は state → roleクエリ → user_metadata で、いずれも無ければ保存済みプロフィール、
// それも無ければ既定ロールとなる。失敗はすべてErrCallbackFailedに集約する。
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	if in.Code == "" {
		return nil, s.callbackFailure(ctx, "missing_code", errors.New("authorization code is missing"))
	}

	entry, err := s.issuer.Redeem(ctx, in.State)
	if err != nil {
		return nil, s.callbackFailure(ctx, "invalid_state", err)
	}

	done := s.track("token_pkce")
	ps, err := s.provider.ExchangeCodeForSession(ctx, in.Code, entry.CodeVerifier)
	done()
	if err != nil {
		return nil, s.callbackFailure(ctx, "exchange_failed", err)
	}
	if ps == nil || ps.User == nil || ps.AccessToken == "" {
		return nil, s.callbackFailure(ctx, "missing_session", errors.New("provider returned no session"))
	}
	user := ps.User
	if user.Email == "" {
		return nil, s.callbackFailure(ctx, "missing_email", fmt.Errorf("user %s has no email", user.ID))
	}

	res := s.resolveCallbackRole(ctx, in, user)

	p, err := s.profiles.Ensure(ctx, profile.EnsureInput{
		User:      user,
		Role:      res.Role,
		Overwrite: res.Explicit(),
	})
	if err != nil {
		return nil, s.callbackFailure(ctx, "profile_write_failed", err)
	}

	s.mirrorRole(ctx, user, p.Role)

	session, err := s.createSession(ctx, user.ID, ps)
	if err != nil {
		return nil, s.callbackFailure(ctx, "session_failed", err)
	}
	s.establish(session, user, p.Role)
	s.metrics.RecordAuthAttempt("oauth", "success")

	redirect := p.Role.DashboardPath()
	if in.Next == ResetPasswordPath {
		redirect = ResetPasswordPath
	}

	slog.Info("oauth callback completed",
		slog.String("user_id", user.ID),
		slog.String("role", string(p.Role)),
		slog.String("role_source", string(res.Source)),
	)
	return &CallbackResult{Session: session, Profile: p, Redirect: redirect}, nil
}

// resolveCallbackRole はコールバックのロールを解決する。
// stateのロールはRedeemで保存済みエントリと照合済みのため、そのまま明示的な選択として扱う。
func (s *Service) resolveCallbackRole(ctx context.Context, in CallbackInput, user *model.User) role.Resolution {
	res := role.Resolve(role.CallbackSources(in.State, in.Role, user)...)
	if res.Resolved {
		s.metrics.RecordRoleResolved(string(res.Source))
		return res
	}

	existing, err := s.profiles.Get(ctx, user.ID)
	if err != nil {
		return role.OrDefault(res, s.degrade(ctx, "callback", "profile_lookup_failed", user, err))
	}
	if existing != nil {
		s.metrics.RecordRoleResolved(string(role.SourceStored))
		return role.Resolution{Role: existing.Role, Source: role.SourceStored, Resolved: true}
	}
	return role.OrDefault(res, s.degrade(ctx, "callback", "unresolved", user, nil))
}

// mirrorRole は確定したロールをuser_metadata.roleにも反映する。失敗しても処理は続ける。
func (s *Service) mirrorRole(ctx context.Context, user *model.User, r model.Role) {
	if user.MetadataRole() == string(r) {
		return
	}

	done := s.track("admin_update_user")
	err := s.provider.UpdateUserMetadata(ctx, user.ID, map[string]any{"role": string(r)})
	done()
	if err != nil {
		slog.Warn("failed to mirror role into user metadata",
			slog.String("user_id", user.ID),
			slog.String("role", string(r)),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, identity.ErrNoServiceRoleKey) {
			s.reporter.Report(ctx, err, map[string]string{"flow": "callback", "reason": "metadata_update_failed"})
		}
	}
}

// callbackFailure は失敗を記録し、ErrCallbackFailedでラップして返す。
func (s *Service) callbackFailure(ctx context.Context, stage string, cause error) error {
	slog.Warn("oauth callback failed",
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)
	s.metrics.RecordAuthAttempt("oauth", "failure")
	s.reporter.Report(ctx, cause, map[string]string{"flow": "callback", "stage": stage})
	return fmt.Errorf("%w: %s: %v", ErrCallbackFailed, stage, cause)
}
