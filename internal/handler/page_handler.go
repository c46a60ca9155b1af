package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/maidconnect/internal/auth"
	"github.com/hitoshi/maidconnect/internal/guard"
	"github.com/hitoshi/maidconnect/internal/middleware"
	"github.com/hitoshi/maidconnect/internal/model"
)

// dashboardResponse はダッシュボードの表示に必要な最小限の情報。
type dashboardResponse struct {
	UserID    string     `json:"user_id"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name,omitempty"`
	Role      model.Role `json:"role"`
	Dashboard string     `json:"dashboard"`
}

// PageHandler はルートガード配下のページ用エンドポイント。
type PageHandler struct {
	profiles ProfileReader
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(profiles ProfileReader) *PageHandler {
	return &PageHandler{profiles: profiles}
}

// Dashboard はロール別ダッシュボードのデータを返す。guard.Middlewareの後に配置する。
// GET /employer/dashboard, GET /maid/dashboard
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	snap := middleware.SnapshotFromContext(r.Context())
	role, _ := guard.RoleFromContext(r.Context())

	resp := dashboardResponse{
		UserID:    snap.UserID,
		Email:     snap.Email,
		Role:      role,
		Dashboard: role.DashboardPath(),
	}
	if p, err := h.profiles.Get(r.Context(), snap.UserID); err != nil {
		slog.Warn("failed to load profile for dashboard",
			slog.String("user_id", snap.UserID),
			slog.String("error", err.Error()),
		)
	} else if p != nil {
		resp.FullName = p.FullName
	}

	writeJSON(w, http.StatusOK, resp)
}

// ResetPasswordPage はリセットリンク経由で確立したセッションのパスワード再設定画面の状態を返す。
// GET /reset-password
func (h *PageHandler) ResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	snap := middleware.SnapshotFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"email":               snap.Email,
		"min_password_length": auth.MinPasswordLength,
		"submit":              "/auth/password/reset",
	})
}

// DebugHandler は現在のリクエストの認証状態を表示する。本番環境ではルーティングしない。
// GET /debug/auth
func DebugHandler(appEnv string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := middleware.SnapshotFromContext(r.Context())
		_, cookieErr := r.Cookie(middleware.SessionCookieName)
		writeJSON(w, http.StatusOK, map[string]any{
			"app_env":        appEnv,
			"request_id":     middleware.RequestIDFromContext(r.Context()),
			"session_cookie": cookieErr == nil,
			"session_id":     maskID(middleware.SessionIDFromContext(r.Context())),
			"state":          snap,
			"guard": map[string]string{
				"employer": guard.Decide(snap, model.RoleEmployer).Action.String(),
				"maid":     guard.Decide(snap, model.RoleMaid).Action.String(),
			},
		})
	}
}

// maskID はID先頭の数文字だけを残す。
func maskID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// HealthChecker はDB接続を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はプロセスとDB接続の状態を返す。
// GET /health
func HealthHandler(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "unavailable",
					"database": "unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
