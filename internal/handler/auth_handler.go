package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/maidconnect/internal/auth"
	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/guard"
	"github.com/hitoshi/maidconnect/internal/middleware"
	"github.com/hitoshi/maidconnect/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。*auth.Serviceが実装する。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, in auth.SignUpInput) (*auth.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error)
	BeginOAuth(ctx context.Context, provider, role string) (string, error)
	HandleCallback(ctx context.Context, in auth.CallbackInput) (*auth.CallbackResult, error)
	SignOut(ctx context.Context, sessionID string) error
	Refresh(ctx context.Context, sessionID string) (authstate.Snapshot, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, sessionID, password, confirm string) error
}

// ProfileReader はプロフィールを読み取る。*profile.Serviceが実装する。
type ProfileReader interface {
	Get(ctx context.Context, id string) (*model.Profile, error)
}

// StateSubscriber はセッションの認証状態の変化を購読する。*authstate.Storeが実装する。
type StateSubscriber interface {
	Subscribe(sessionID string) (<-chan authstate.Snapshot, func())
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
	// EventsKeepAlive はSSEのコメント送信間隔。0の場合は15秒。
	EventsKeepAlive time.Duration
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	profiles ProfileReader
	states   StateSubscriber
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, profiles ProfileReader, states StateSubscriber, config AuthHandlerConfig) *AuthHandler {
	if config.EventsKeepAlive <= 0 {
		config.EventsKeepAlive = 15 * time.Second
	}
	return &AuthHandler{
		service:  service,
		profiles: profiles,
		states:   states,
		config:   config,
	}
}

// startSession はセッションCookieを設定し、CSRFトークンを再発行する。
func (h *AuthHandler) startSession(w http.ResponseWriter, sessionID string) {
	middleware.SetSessionCookie(w, h.cookieConfig(), sessionID)
	if err := middleware.RotateCSRFToken(w, middleware.CSRFConfig{
		CookieSecure: h.config.CookieSecure,
		CookieDomain: h.config.CookieDomain,
	}); err != nil {
		slog.Error("failed to rotate CSRF token", slog.String("error", err.Error()))
	}
}

func (h *AuthHandler) cookieConfig() middleware.CookieConfig {
	return middleware.CookieConfig{
		Secure: h.config.CookieSecure,
		Domain: h.config.CookieDomain,
		MaxAge: h.config.SessionMaxAge,
	}
}

// signUpRequest はサインアップリクエストのボディ。
type signUpRequest struct {
	Email    string `json:"email" validate:"required,max=320"`
	Password string `json:"password" validate:"required,max=72"`
	FullName string `json:"full_name" validate:"required,max=200"`
	Role     string `json:"role" validate:"required"`
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// forgotPasswordRequest はパスワードリセットメール送信リクエストのボディ。
type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,max=320"`
}

// resetPasswordRequest はパスワード再設定リクエストのボディ。
type resetPasswordRequest struct {
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// authResponse はサインアップ・サインインの成功レスポンス。
type authResponse struct {
	UserID               string     `json:"user_id,omitempty"`
	Role                 model.Role `json:"role,omitempty"`
	Redirect             string     `json:"redirect,omitempty"`
	ConfirmationRequired bool       `json:"confirmation_required,omitempty"`
	Message              string     `json:"message,omitempty"`
}

// meResponse は現在のユーザー情報のレスポンス。
type meResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name,omitempty"`
	Role      model.Role `json:"role"`
	Dashboard string     `json:"dashboard"`
}

// SignUp はメールアドレスとパスワードでアカウントを作成する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	result, err := h.service.SignUp(r.Context(), auth.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     req.Role,
	})
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	if result.ConfirmationRequired {
		writeJSON(w, http.StatusAccepted, authResponse{
			Role:                 result.Profile.Role,
			ConfirmationRequired: true,
			Message:              result.Message,
		})
		return
	}

	h.startSession(w, result.Session.ID)
	writeJSON(w, http.StatusCreated, authResponse{
		UserID:   result.Session.UserID,
		Role:     result.Profile.Role,
		Redirect: result.Redirect,
	})
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	result, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	h.startSession(w, result.Session.ID)
	writeJSON(w, http.StatusOK, authResponse{
		UserID:   result.Session.UserID,
		Role:     result.Role,
		Redirect: result.Redirect,
	})
}

// OAuthLogin はOAuthプロバイダーの認可画面へリダイレクトする。
// GET /auth/{provider}/login?role=maid
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	authorizeURL, err := h.service.BeginOAuth(r.Context(), provider, r.URL.Query().Get("role"))
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// Callback はOAuthおよびメール確認のコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy&role=zzz
// 失敗時は原因を区別せず/login?error=...へリダイレクトする。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.service.HandleCallback(r.Context(), auth.CallbackInput{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Role:  q.Get("role"),
		Next:  q.Get("next"),
	})
	if err != nil {
		http.Redirect(w, r, loginErrorURL(model.CallbackErrorMessage), http.StatusFound)
		return
	}

	h.startSession(w, result.Session.ID)
	http.Redirect(w, r, result.Redirect, http.StatusFound)
}

// loginErrorURL はエラーメッセージ付きのログイン画面URLを返す。
func loginErrorURL(message string) string {
	return guard.LoginPath + "?" + url.Values{"error": {message}}.Encode()
}

// SignOut はセッションを破棄する。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromContext(r.Context()); sessionID != "" {
		if err := h.service.SignOut(r.Context(), sessionID); err != nil {
			// サインアウト失敗してもCookieはクリアする
			slog.Error("failed to sign out", slog.String("error", err.Error()))
		}
	}

	middleware.ClearSessionCookie(w, h.cookieConfig())
	writeJSON(w, http.StatusOK, map[string]string{"redirect": guard.LoginPath})
}

// Refresh はProviderのトークンを更新し、最新の認証状態を返す。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if sessionID == "" {
		middleware.WriteAPIError(w, model.NewSessionNotFoundError())
		return
	}

	snap, err := h.service.Refresh(r.Context(), sessionID)
	if err != nil {
		slog.Error("failed to refresh session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if snap.Status != authstate.StatusAuthenticated {
		middleware.ClearSessionCookie(w, h.cookieConfig())
		middleware.WriteAPIError(w, model.NewSessionNotFoundError())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Me は現在のログインユーザー情報を返す。RequireSessionの後に配置する。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	snap := middleware.SnapshotFromContext(r.Context())
	resp := meResponse{
		ID:        snap.UserID,
		Email:     snap.Email,
		Role:      snap.Role,
		Dashboard: snap.Role.DashboardPath(),
	}

	p, err := h.profiles.Get(r.Context(), snap.UserID)
	if err != nil {
		slog.Warn("failed to load profile for current user",
			slog.String("user_id", snap.UserID),
			slog.String("error", err.Error()),
		)
	} else if p != nil {
		resp.FullName = p.FullName
	}

	writeJSON(w, http.StatusOK, resp)
}

// Events は認証状態の変化をServer-Sent Eventsで配信する。
// 接続直後に現在の状態を1回送信し、以降は遷移のたびに送信する。
// GET /auth/events
func (h *AuthHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if sessionID == "" {
		middleware.WriteAPIError(w, model.NewSessionNotFoundError())
		return
	}

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutでストリームが切断されないよう書き込み期限を外す
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming is not supported", slog.String("error", err.Error()))
		return
	}

	ch, cancel := h.states.Subscribe(sessionID)
	defer cancel()

	keepAlive := time.NewTicker(h.config.EventsKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.Status == "" {
				snap.Status = authstate.StatusUnknown
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("failed to encode auth state", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "event: auth_state\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// ForgotPassword はパスワードリセットメールを送信する。
// 登録の有無を推測されないよう、Provider障害以外は常に同じ応答を返す。
// POST /auth/password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an account exists for this email, a password reset link has been sent.",
	})
}

// ResetPassword はリセットリンク経由でサインインしたセッションのパスワードを更新する。
// POST /auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	sessionID := middleware.SessionIDFromContext(r.Context())
	if err := h.service.ResetPassword(r.Context(), sessionID, req.Password, req.ConfirmPassword); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	snap := middleware.SnapshotFromContext(r.Context())
	redirect := guard.LoginPath
	if snap.Status == authstate.StatusAuthenticated {
		redirect = snap.Role.DashboardPath()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Your password has been updated.",
		"redirect": redirect,
	})
}
