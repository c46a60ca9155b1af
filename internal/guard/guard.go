// Package guard はロールに基づくルート保護を提供する。
//
// 判定は確定済みの認証状態に対する純粋関数Decideで行い、Middlewareはその結果をHTTPレスポンスに変換する。
package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/model"
)

// LoginPath は未認証の訪問者を送るサインインページ。
const LoginPath = "/login"

// Action はルートガードの判定結果の種別。
type Action int

const (
	// Render は保護されたハンドラーを実行する。
	Render Action = iota
	// Loading は認証状態の解決中であることを示すプレースホルダーを返す。
	Loading
	// Redirect はLocationへリダイレクトする。
	Redirect
)

func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision はルートガードの判定結果。
type Decision struct {
	Action   Action
	Location string
}

// Decide は認証状態と許可ロールから表示可否を決める。
// allowedが空の場合は認証済みであればどのロールも許可する。
func Decide(snap authstate.Snapshot, allowed ...model.Role) Decision {
	switch snap.Status {
	case authstate.StatusAnonymous:
		return Decision{Action: Redirect, Location: LoginPath}
	case authstate.StatusAuthenticated:
		if len(allowed) == 0 || slices.Contains(allowed, snap.Role) {
			return Decision{Action: Render}
		}
		return Decision{Action: Redirect, Location: snap.Role.DashboardPath()}
	default:
		return Decision{Action: Loading}
	}
}

// SnapshotFunc はリクエストの認証状態を返す。
type SnapshotFunc func(r *http.Request) authstate.Snapshot

type roleContextKey struct{}

// RoleFromContext はガードを通過したリクエストのロールを返す。
func RoleFromContext(ctx context.Context) (model.Role, bool) {
	r, ok := ctx.Value(roleContextKey{}).(model.Role)
	return r, ok
}

// Middleware はDecideの結果に従ってリクエストを振り分けるミドルウェアを返す。
//   - LOADING（またはUNKNOWN）: 503とRetry-After: 1でプレースホルダーを返す
//   - ANONYMOUS: /loginへ302
//   - 許可されていないロール: そのロールのダッシュボードへ302
func Middleware(snapshot SnapshotFunc, allowed ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := snapshot(r)
			d := Decide(snap, allowed...)

			switch d.Action {
			case Render:
				ctx := context.WithValue(r.Context(), roleContextKey{}, snap.Role)
				next.ServeHTTP(w, r.WithContext(ctx))
			case Redirect:
				http.Redirect(w, r, d.Location, http.StatusFound)
			default:
				writeLoading(w)
			}
		})
	}
}

// writeLoading は認証状態の解決待ちを示すレスポンスを書き込む。
func writeLoading(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  string(authstate.StatusLoading),
		"message": "Loading your account...",
	})
}
