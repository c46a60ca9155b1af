package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/identity"
	"github.com/hitoshi/maidconnect/internal/model"
	"github.com/hitoshi/maidconnect/internal/profile"
	"github.com/hitoshi/maidconnect/internal/role"
	"github.com/hitoshi/maidconnect/internal/security"
)

// SignUpInput はサインアップフォームの入力。
type SignUpInput struct {
	Email    string
	Password string
	FullName string
	Role     string
}

// SignUpResult はサインアップの結果。
// ConfirmationRequired=trueの場合、Sessionはnilで、利用者はメール確認後にコールバック経由でサインインする。
type SignUpResult struct {
	Session              *model.Session
	Profile              *model.Profile
	Redirect             string
	ConfirmationRequired bool
	Message              string
}

// SignInResult はパスワードサインインの結果。
type SignInResult struct {
	Session  *model.Session
	Role     model.Role
	Redirect string
}

// SignUp はメールアドレスとパスワードでユーザーを作成し、選択されたロールでプロフィールを書き込む。
// ロールはフォームでの明示的な選択として扱い、既存プロフィールのロールも上書きする。
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*SignUpResult, error) {
	r, ok := model.ParseRole(in.Role)
	if !ok {
		return nil, model.NewInvalidRoleError(in.Role)
	}
	email, err := security.NormalizeEmail(in.Email)
	if err != nil {
		return nil, model.NewValidationError("invalid email address")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, model.NewPasswordTooShortError(MinPasswordLength)
	}

	// 確認メールのリンクは別のブラウザで開かれることもあるため、ロールとPKCEのverifierはサーバー側に保持する。
	state, verifier, err := s.issuer.IssueWithTTL(ctx, &r, s.config.SignupConfirmTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue signup state: %w", err)
	}

	done := s.track("signup")
	result, err := s.provider.SignUp(ctx, identity.SignUpParams{
		Email:    email,
		Password: in.Password,
		Metadata: map[string]any{
			"full_name": in.FullName,
			"email":     email,
			"role":      string(r),
		},
		RedirectTo:    s.callbackURL(state, nil),
		CodeChallenge: identity.CodeChallenge(verifier),
	})
	done()
	if err != nil {
		s.metrics.RecordAuthAttempt("signup", "failure")
		if identity.IsAlreadyRegistered(err) {
			return nil, model.NewEmailRegisteredError()
		}
		return nil, providerError(err, "sign up")
	}
	if result.User == nil {
		s.metrics.RecordAuthAttempt("signup", "failure")
		return nil, fmt.Errorf("failed to sign up: provider returned no user")
	}

	p, err := s.profiles.Ensure(ctx, profile.EnsureInput{
		User:      result.User,
		Role:      r,
		FullName:  in.FullName,
		Overwrite: true,
	})
	if err != nil {
		s.metrics.RecordAuthAttempt("signup", "failure")
		slog.Error("failed to write profile on signup",
			slog.String("user_id", result.User.ID),
			slog.String("role", string(r)),
			slog.String("error", err.Error()),
		)
		s.reporter.Report(ctx, err, map[string]string{"flow": "signup", "reason": "profile_write_failed"})
		return nil, model.NewProfileWriteFailedError()
	}
	s.metrics.RecordRoleResolved(string(role.SourceForm))

	if result.Session == nil {
		s.metrics.RecordAuthAttempt("signup", "confirmation_required")
		slog.Info("signup awaiting email confirmation",
			slog.String("user_id", result.User.ID),
			slog.String("role", string(p.Role)),
		)
		return &SignUpResult{
			Profile:              p,
			ConfirmationRequired: true,
			Message:              ConfirmationMessage,
		}, nil
	}

	session, err := s.createSession(ctx, result.User.ID, result.Session)
	if err != nil {
		s.metrics.RecordAuthAttempt("signup", "failure")
		return nil, err
	}
	s.establish(session, result.User, p.Role)
	s.metrics.RecordAuthAttempt("signup", "success")

	slog.Info("user signed up",
		slog.String("user_id", result.User.ID),
		slog.String("role", string(p.Role)),
	)
	return &SignUpResult{
		Session:  session,
		Profile:  p,
		Redirect: p.Role.DashboardPath(),
	}, nil
}

// SignIn はパスワードでサインインし、保存済みのロールでセッションを確立する。
// プロフィールが読めない場合は既定ロールで継続する。
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	normalized, err := security.NormalizeEmail(email)
	if err != nil || password == "" {
		s.metrics.RecordAuthAttempt("password", "invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}

	done := s.track("token_password")
	ps, err := s.provider.SignInWithPassword(ctx, normalized, password)
	done()
	if err != nil {
		if identity.IsInvalidCredentials(err) {
			s.metrics.RecordAuthAttempt("password", "invalid_credentials")
			return nil, model.NewInvalidCredentialsError()
		}
		s.metrics.RecordAuthAttempt("password", "failure")
		return nil, providerError(err, "sign in")
	}
	if ps.User == nil {
		s.metrics.RecordAuthAttempt("password", "failure")
		return nil, fmt.Errorf("failed to sign in: provider returned no user")
	}

	session, err := s.createSession(ctx, ps.User.ID, ps)
	if err != nil {
		s.metrics.RecordAuthAttempt("password", "failure")
		return nil, err
	}

	s.states.Begin(session.ID)
	defer authstate.Settle(s.states, session.ID)

	r := s.storedRole(ctx, "signin", ps.User)
	if _, err := s.authenticate(session, ps.User, r); err != nil {
		return nil, fmt.Errorf("failed to record authenticated state: %w", err)
	}
	s.metrics.RecordAuthAttempt("password", "success")

	slog.Info("user signed in",
		slog.String("user_id", ps.User.ID),
		slog.String("role", string(r)),
	)
	return &SignInResult{Session: session, Role: r, Redirect: r.DashboardPath()}, nil
}

// ForgotPassword はパスワードリセットメールを送信する。
// 登録の有無は呼び出し元に伝えない。Provider障害のみエラーとして返す。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	normalized, err := security.NormalizeEmail(email)
	if err != nil {
		return model.NewValidationError("invalid email address")
	}

	state, verifier, err := s.issuer.IssueWithTTL(ctx, nil, s.config.SignupConfirmTTL)
	if err != nil {
		return fmt.Errorf("failed to issue recovery state: %w", err)
	}

	done := s.track("recover")
	err = s.provider.RecoverPassword(ctx, normalized,
		s.callbackURL(state, url.Values{"next": {ResetPasswordPath}}),
		identity.CodeChallenge(verifier),
	)
	done()
	if err != nil {
		if identity.IsUnavailable(err) {
			return model.NewProviderUnavailableError()
		}
		slog.Warn("password recovery request rejected", slog.String("error", err.Error()))
	}
	return nil
}

// ResetPassword はサインイン中（リセットメールからのコールバック後）のユーザーのパスワードを変更する。
func (s *Service) ResetPassword(ctx context.Context, sessionID, password, confirm string) error {
	if len(password) < MinPasswordLength {
		return model.NewPasswordTooShortError(MinPasswordLength)
	}
	if password != confirm {
		return model.NewPasswordMismatchError()
	}

	session, err := s.activeSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return model.NewSessionNotFoundError()
		}
		return err
	}

	done := s.track("update_password")
	err = s.provider.UpdatePassword(ctx, session.AccessToken, password)
	done()
	if err != nil {
		return providerError(err, "update password")
	}

	slog.Info("password updated", slog.String("user_id", session.UserID))
	return nil
}
