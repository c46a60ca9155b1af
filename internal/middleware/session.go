// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// DefaultResolveTimeout は1リクエストが認証状態の解決を待つ最大時間。
const DefaultResolveTimeout = 3 * time.Second

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionIDContextKey はセッションIDを格納するためのキー。
	sessionIDContextKey = contextKey("session_id")
	// snapshotContextKey は認証状態を格納するためのキー。
	snapshotContextKey = contextKey("auth_snapshot")
)

// StateResolver はセッションの認証状態を解決する。auth.Serviceが実装する。
type StateResolver interface {
	CurrentState(ctx context.Context, sessionID string) (authstate.Snapshot, error)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
	MaxAge int // 秒
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 認証状態を解決してリクエストコンテキストに注入するミドルウェアを返す。
// 未認証でもリクエストは拒否しない。拒否はRequireSessionまたはルートガードが行う。
func NewSessionMiddleware(resolver StateResolver, timeout time.Duration) func(next http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := authstate.Snapshot{Status: authstate.StatusAnonymous}

			cookie, err := r.Cookie(SessionCookieName)
			if err == nil && cookie.Value != "" {
				resolveCtx, cancel := context.WithTimeout(r.Context(), timeout)
				snap, err = resolver.CurrentState(resolveCtx, cookie.Value)
				cancel()
				if err != nil {
					slog.Error("failed to resolve auth state",
						slog.String("error", err.Error()),
					)
					snap = authstate.Snapshot{SessionID: cookie.Value, Status: authstate.StatusAnonymous}
				}
			}

			ctx := context.WithValue(r.Context(), snapshotContextKey, snap)
			if cookie != nil && cookie.Value != "" {
				ctx = context.WithValue(ctx, sessionIDContextKey, cookie.Value)
			}
			if snap.Status == authstate.StatusAuthenticated {
				ctx = context.WithValue(ctx, userIDContextKey, snap.UserID)
				recordUserID(ctx, snap.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession は認証済みでないリクエストに401を返すミドルウェアを返す。
// NewSessionMiddlewareの後に配置する。JSON APIで使う。
func RequireSession() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := SnapshotFromContext(r.Context())
			switch snap.Status {
			case authstate.StatusAuthenticated:
				next.ServeHTTP(w, r)
			case authstate.StatusAnonymous:
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionNotFoundError())
			default:
				w.Header().Set("Retry-After", "1")
				WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
					Code:     "AUTH_STATE_LOADING",
					Message:  "Your session is still loading.",
					Category: "auth",
					Action:   "Please retry in a moment.",
				})
			}
		})
	}
}

// SnapshotFromContext はリクエストコンテキストから認証状態を取得する。
// セッションミドルウェアを通過していない場合はANONYMOUSを返す。
func SnapshotFromContext(ctx context.Context) authstate.Snapshot {
	if snap, ok := ctx.Value(snapshotContextKey).(authstate.Snapshot); ok {
		return snap
	}
	return authstate.Snapshot{Status: authstate.StatusAnonymous}
}

// SnapshotFromRequest はSnapshotFromContextのhttp.Request版。ルートガードに渡す。
func SnapshotFromRequest(r *http.Request) authstate.Snapshot {
	return SnapshotFromContext(r.Context())
}

// SessionIDFromContext はリクエストのセッションIDを返す。Cookieが無い場合は空文字列。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアで認証済みと判定されたリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithSnapshot はコンテキストに認証状態とセッションIDを注入する。テスト用。
func ContextWithSnapshot(ctx context.Context, snap authstate.Snapshot) context.Context {
	ctx = context.WithValue(ctx, snapshotContextKey, snap)
	if snap.SessionID != "" {
		ctx = context.WithValue(ctx, sessionIDContextKey, snap.SessionID)
	}
	if snap.Status == authstate.StatusAuthenticated {
		ctx = context.WithValue(ctx, userIDContextKey, snap.UserID)
	}
	return ctx
}

// SetSessionCookie はセッションIDをHTTP Only Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
