package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/identity"
	"github.com/hitoshi/maidconnect/internal/model"
	"github.com/hitoshi/maidconnect/internal/profile"
)

func TestSignUp_WithSession_WritesChosenRoleAndAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var params identity.SignUpParams
	env.provider.signUpFn = func(_ context.Context, p identity.SignUpParams) (*identity.SignUpResult, error) {
		params = p
		user := testUser("maid")
		return &identity.SignUpResult{User: user, Session: env.providerSession(user)}, nil
	}

	result, err := env.svc.SignUp(ctx, SignUpInput{
		Email:    "A@X.com",
		Password: "secret123",
		FullName: "A",
		Role:     "maid",
	})
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}

	if result.Redirect != "/maid/dashboard" {
		t.Errorf("Redirect = %q, want /maid/dashboard", result.Redirect)
	}
	if result.ConfirmationRequired {
		t.Error("ConfirmationRequired should be false when a session was returned")
	}
	if result.Profile.Role != model.RoleMaid {
		t.Errorf("Profile.Role = %q, want maid", result.Profile.Role)
	}
	if result.Session == nil || result.Session.ID != testSessionID {
		t.Fatalf("Session = %+v, want id %s", result.Session, testSessionID)
	}

	if params.Email != "a@x.com" {
		t.Errorf("provider email = %q, want normalised a@x.com", params.Email)
	}
	if params.Metadata["role"] != "maid" || params.Metadata["full_name"] != "A" || params.Metadata["email"] != "a@x.com" {
		t.Errorf("metadata = %v", params.Metadata)
	}
	if params.CodeChallenge == "" {
		t.Error("signup should carry a PKCE code challenge")
	}
	if !strings.HasPrefix(params.RedirectTo, "https://maidconnect.example/auth/callback?state=role_maid_") {
		t.Errorf("RedirectTo = %q, want callback url with role state", params.RedirectTo)
	}

	if len(env.profiles.ensured) != 1 {
		t.Fatalf("Ensure called %d times, want 1", len(env.profiles.ensured))
	}
	in := env.profiles.ensured[0]
	if in.Role != model.RoleMaid || !in.Overwrite || in.FullName != "A" {
		t.Errorf("EnsureInput = %+v, want role maid with overwrite", in)
	}

	snap := env.states.Get(testSessionID)
	if snap.Status != authstate.StatusAuthenticated || snap.Role != model.RoleMaid {
		t.Errorf("state = %+v, want AUTHENTICATED(maid)", snap)
	}
	if !contains(env.metrics.attempts, "signup:success") {
		t.Errorf("attempts = %v, want signup:success", env.metrics.attempts)
	}
}

func TestSignUp_ConfirmationRequired_KeepsStateForCallback(t *testing.T) {
	env := newTestEnv(t)

	env.provider.signUpFn = func(_ context.Context, _ identity.SignUpParams) (*identity.SignUpResult, error) {
		return &identity.SignUpResult{User: testUser("employer")}, nil
	}

	result, err := env.svc.SignUp(context.Background(), SignUpInput{
		Email:    "ram@example.com",
		Password: "secret123",
		FullName: "Ram",
		Role:     "employer",
	})
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}

	if !result.ConfirmationRequired {
		t.Error("ConfirmationRequired should be true")
	}
	if result.Message != "Please check your email to verify your account" {
		t.Errorf("Message = %q", result.Message)
	}
	if result.Session != nil || result.Redirect != "" {
		t.Errorf("no session or redirect expected, got %+v", result)
	}
	if env.store.Len() != 1 {
		t.Errorf("oauth state entries = %d, want 1 kept for the confirmation link", env.store.Len())
	}
	if len(env.sessions.sessions) != 0 {
		t.Error("no application session should be created before confirmation")
	}
}

func TestSignUp_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		input SignUpInput
		code  string
	}{
		{"無効なロール", SignUpInput{Email: "a@x.com", Password: "secret123", Role: "admin"}, model.ErrCodeInvalidRole},
		{"ロール未指定", SignUpInput{Email: "a@x.com", Password: "secret123"}, model.ErrCodeInvalidRole},
		{"不正なメールアドレス", SignUpInput{Email: "not-an-email", Password: "secret123", Role: "maid"}, model.ErrCodeValidation},
		{"短すぎるパスワード", SignUpInput{Email: "a@x.com", Password: "short", Role: "maid"}, model.ErrCodePasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			called := false
			env.provider.signUpFn = func(_ context.Context, _ identity.SignUpParams) (*identity.SignUpResult, error) {
				called = true
				return nil, nil
			}

			_, err := env.svc.SignUp(context.Background(), tt.input)
			assertAPIError(t, err, tt.code)
			if called {
				t.Error("provider should not be called for invalid input")
			}
		})
	}
}

func TestSignUp_AlreadyRegistered(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signUpFn = func(_ context.Context, _ identity.SignUpParams) (*identity.SignUpResult, error) {
		return nil, identity.ErrAlreadyRegistered
	}

	_, err := env.svc.SignUp(context.Background(), SignUpInput{Email: "a@x.com", Password: "secret123", Role: "maid"})
	assertAPIError(t, err, model.ErrCodeEmailRegistered)
	if len(env.profiles.ensured) != 0 {
		t.Error("profile should not be written when signup fails")
	}
}

func TestSignUp_ProviderUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signUpFn = func(_ context.Context, _ identity.SignUpParams) (*identity.SignUpResult, error) {
		return nil, &identity.Error{Status: http.StatusBadGateway, Message: "bad gateway"}
	}

	_, err := env.svc.SignUp(context.Background(), SignUpInput{Email: "a@x.com", Password: "secret123", Role: "maid"})
	assertAPIError(t, err, model.ErrCodeProviderUnavailable)
}

func TestSignUp_ProfileWriteFailure_IsReported(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signUpFn = func(_ context.Context, _ identity.SignUpParams) (*identity.SignUpResult, error) {
		user := testUser("maid")
		return &identity.SignUpResult{User: user, Session: env.providerSession(user)}, nil
	}
	env.profiles.ensureFn = func(_ context.Context, _ profile.EnsureInput) (*model.Profile, error) {
		return nil, profile.ErrWriteFailed
	}

	_, err := env.svc.SignUp(context.Background(), SignUpInput{Email: "a@x.com", Password: "secret123", Role: "maid"})
	assertAPIError(t, err, model.ErrCodeProfileWriteFailed)

	if len(env.reporter.reports) != 1 || env.reporter.reports[0]["reason"] != "profile_write_failed" {
		t.Errorf("reports = %v, want one profile_write_failed report", env.reporter.reports)
	}
	if len(env.sessions.sessions) != 0 {
		t.Error("no session should be created when the profile write fails")
	}
}

func TestSignIn_UsesStoredRole(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signInFn = func(_ context.Context, email, password string) (*identity.Session, error) {
		if email != "sita@example.com" || password != "secret123" {
			t.Errorf("unexpected credentials %q/%q", email, password)
		}
		return env.providerSession(testUser("")), nil
	}
	env.profiles.getFn = func(_ context.Context, id string) (*model.Profile, error) {
		return &model.Profile{ID: id, Role: model.RoleMaid}, nil
	}

	result, err := env.svc.SignIn(context.Background(), " Sita@Example.com ", "secret123")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}

	if result.Role != model.RoleMaid || result.Redirect != "/maid/dashboard" {
		t.Errorf("result = %+v, want maid dashboard", result)
	}
	snap := env.states.Get(testSessionID)
	if snap.Status != authstate.StatusAuthenticated || snap.Role != model.RoleMaid {
		t.Errorf("state = %+v, want AUTHENTICATED(maid)", snap)
	}
	stored := env.sessions.sessions[testSessionID]
	if stored == nil || stored.AccessToken != "access-token" || stored.RefreshToken != "refresh-token" {
		t.Errorf("stored session = %+v, want provider tokens", stored)
	}
	if !stored.ExpiresAt.Equal(env.now.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+24h", stored.ExpiresAt)
	}
	if len(env.metrics.fallbacks) != 0 {
		t.Errorf("no fallback expected, got %v", env.metrics.fallbacks)
	}
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signInFn = func(_ context.Context, _, _ string) (*identity.Session, error) {
		return nil, &identity.Error{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}

	_, err := env.svc.SignIn(context.Background(), "sita@example.com", "wrong-password")
	assertAPIError(t, err, model.ErrCodeInvalidCredentials)

	if len(env.sessions.sessions) != 0 {
		t.Error("no session should be created")
	}
	if !contains(env.metrics.attempts, "password:invalid_credentials") {
		t.Errorf("attempts = %v", env.metrics.attempts)
	}
}

func TestSignIn_ProfileLookupFailure_DegradesToDefaultRole(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signInFn = func(_ context.Context, _, _ string) (*identity.Session, error) {
		return env.providerSession(testUser("maid")), nil
	}
	env.profiles.getFn = func(_ context.Context, _ string) (*model.Profile, error) {
		return nil, errors.New("connection refused")
	}

	result, err := env.svc.SignIn(context.Background(), "sita@example.com", "secret123")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}

	if result.Role != model.RoleEmployer {
		t.Errorf("Role = %q, want default employer", result.Role)
	}
	if !contains(env.metrics.fallbacks, "signin:profile_lookup_failed") {
		t.Errorf("fallbacks = %v, want signin:profile_lookup_failed", env.metrics.fallbacks)
	}
	if len(env.reporter.reports) != 1 {
		t.Errorf("reports = %d, want 1", len(env.reporter.reports))
	}
	if snap := env.states.Get(testSessionID); snap.Status != authstate.StatusAuthenticated {
		t.Errorf("state = %s, want AUTHENTICATED", snap.Status)
	}
}

func TestSignIn_ProfileMissing_WaitsOnceThenReadsTriggerRow(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signInFn = func(_ context.Context, _, _ string) (*identity.Session, error) {
		return env.providerSession(testUser("")), nil
	}
	awaited := 0
	env.profiles.awaitTriggerFn = func(_ context.Context, id string) (*model.Profile, error) {
		awaited++
		return &model.Profile{ID: id, Role: model.RoleMaid}, nil
	}

	result, err := env.svc.SignIn(context.Background(), "sita@example.com", "secret123")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	if awaited != 1 {
		t.Errorf("AwaitTrigger called %d times, want 1", awaited)
	}
	if result.Role != model.RoleMaid {
		t.Errorf("Role = %q, want maid", result.Role)
	}
	if len(env.profiles.ensured) != 0 {
		t.Error("Ensure should not be called when the trigger created the row")
	}
}

func TestSignIn_ProfileMissing_CreatesFromMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signInFn = func(_ context.Context, _, _ string) (*identity.Session, error) {
		return env.providerSession(testUser("maid")), nil
	}

	result, err := env.svc.SignIn(context.Background(), "sita@example.com", "secret123")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}

	if result.Role != model.RoleMaid {
		t.Errorf("Role = %q, want maid from metadata", result.Role)
	}
	if len(env.profiles.ensured) != 1 || env.profiles.ensured[0].Overwrite {
		t.Errorf("ensured = %+v, want one write without overwrite", env.profiles.ensured)
	}
	if len(env.metrics.fallbacks) != 0 {
		t.Errorf("no fallback expected, got %v", env.metrics.fallbacks)
	}
}

func TestSignIn_ProfileMissingWithoutMetadata_CreatesDefault(t *testing.T) {
	env := newTestEnv(t)
	env.provider.signInFn = func(_ context.Context, _, _ string) (*identity.Session, error) {
		return env.providerSession(testUser("")), nil
	}

	result, err := env.svc.SignIn(context.Background(), "sita@example.com", "secret123")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	if result.Role != model.RoleEmployer {
		t.Errorf("Role = %q, want employer", result.Role)
	}
	if !contains(env.metrics.fallbacks, "signin:profile_missing") {
		t.Errorf("fallbacks = %v, want signin:profile_missing", env.metrics.fallbacks)
	}
	if len(env.profiles.ensured) != 1 || env.profiles.ensured[0].Role != model.RoleEmployer {
		t.Errorf("ensured = %+v, want employer profile", env.profiles.ensured)
	}
}

func TestForgotPassword_SendsRecoveryLinkThroughCallback(t *testing.T) {
	env := newTestEnv(t)

	var gotEmail, gotRedirect, gotChallenge string
	env.provider.recoverFn = func(_ context.Context, email, redirectTo, challenge string) error {
		gotEmail, gotRedirect, gotChallenge = email, redirectTo, challenge
		return nil
	}

	if err := env.svc.ForgotPassword(context.Background(), "Sita@Example.com"); err != nil {
		t.Fatalf("ForgotPassword() error: %v", err)
	}

	if gotEmail != "sita@example.com" {
		t.Errorf("email = %q", gotEmail)
	}
	if gotChallenge == "" {
		t.Error("recovery should carry a PKCE code challenge")
	}
	u, err := url.Parse(gotRedirect)
	if err != nil {
		t.Fatalf("invalid redirect url %q: %v", gotRedirect, err)
	}
	if u.Path != "/auth/callback" || u.Query().Get("next") != ResetPasswordPath {
		t.Errorf("redirect = %q, want callback with next=%s", gotRedirect, ResetPasswordPath)
	}
	if !strings.HasPrefix(u.Query().Get("state"), "login_") {
		t.Errorf("state = %q, want login_ state", u.Query().Get("state"))
	}
}

func TestForgotPassword_Errors(t *testing.T) {
	t.Run("Provider障害はエラーを返す", func(t *testing.T) {
		env := newTestEnv(t)
		env.provider.recoverFn = func(_ context.Context, _, _, _ string) error {
			return &identity.Error{Status: http.StatusServiceUnavailable}
		}
		err := env.svc.ForgotPassword(context.Background(), "sita@example.com")
		assertAPIError(t, err, model.ErrCodeProviderUnavailable)
	})

	t.Run("Providerの4xxは成功として扱う", func(t *testing.T) {
		env := newTestEnv(t)
		env.provider.recoverFn = func(_ context.Context, _, _, _ string) error {
			return &identity.Error{Status: http.StatusBadRequest, Code: "user_not_found"}
		}
		if err := env.svc.ForgotPassword(context.Background(), "nobody@example.com"); err != nil {
			t.Errorf("ForgotPassword() error = %v, want nil", err)
		}
	})

	t.Run("不正なメールアドレス", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.ForgotPassword(context.Background(), "invalid")
		assertAPIError(t, err, model.ErrCodeValidation)
	})
}

func TestResetPassword(t *testing.T) {
	t.Run("短すぎるパスワード", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.ResetPassword(context.Background(), testSessionID, "short", "short")
		assertAPIError(t, err, model.ErrCodePasswordTooShort)
	})

	t.Run("確認用パスワードの不一致", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.ResetPassword(context.Background(), testSessionID, "newsecret1", "newsecret2")
		assertAPIError(t, err, model.ErrCodePasswordMismatch)
	})

	t.Run("セッションなし", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.ResetPassword(context.Background(), testSessionID, "newsecret1", "newsecret1")
		assertAPIError(t, err, model.ErrCodeSessionNotFound)
	})

	t.Run("成功", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedSession(env.now.Add(time.Hour))
		var gotToken, gotPassword string
		env.provider.updatePasswordFn = func(_ context.Context, token, password string) error {
			gotToken, gotPassword = token, password
			return nil
		}

		if err := env.svc.ResetPassword(context.Background(), testSessionID, "newsecret1", "newsecret1"); err != nil {
			t.Fatalf("ResetPassword() error: %v", err)
		}
		if gotToken != "access-token" || gotPassword != "newsecret1" {
			t.Errorf("UpdatePassword(%q, %q)", gotToken, gotPassword)
		}
	})
}
