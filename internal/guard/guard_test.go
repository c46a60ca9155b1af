package guard

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		snap    authstate.Snapshot
		allowed []model.Role
		want    Decision
	}{
		{
			name: "解決中はローディング",
			snap: authstate.Snapshot{Status: authstate.StatusLoading},
			want: Decision{Action: Loading},
		},
		{
			name: "未確定はローディング",
			snap: authstate.Snapshot{Status: authstate.StatusUnknown},
			want: Decision{Action: Loading},
		},
		{
			name:    "未認証はログインへ",
			snap:    authstate.Snapshot{Status: authstate.StatusAnonymous},
			allowed: []model.Role{model.RoleEmployer},
			want:    Decision{Action: Redirect, Location: "/login"},
		},
		{
			name:    "許可ロールは表示",
			snap:    authstate.Snapshot{Status: authstate.StatusAuthenticated, Role: model.RoleEmployer},
			allowed: []model.Role{model.RoleEmployer},
			want:    Decision{Action: Render},
		},
		{
			name:    "maidはemployer専用ページから自分のダッシュボードへ",
			snap:    authstate.Snapshot{Status: authstate.StatusAuthenticated, Role: model.RoleMaid},
			allowed: []model.Role{model.RoleEmployer},
			want:    Decision{Action: Redirect, Location: "/maid/dashboard"},
		},
		{
			name:    "employerはmaid専用ページから自分のダッシュボードへ",
			snap:    authstate.Snapshot{Status: authstate.StatusAuthenticated, Role: model.RoleEmployer},
			allowed: []model.Role{model.RoleMaid},
			want:    Decision{Action: Redirect, Location: "/employer/dashboard"},
		},
		{
			name: "許可ロール未指定は認証済みなら表示",
			snap: authstate.Snapshot{Status: authstate.StatusAuthenticated, Role: model.RoleMaid},
			want: Decision{Action: Render},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.snap, tt.allowed...)
			if got != tt.want {
				t.Errorf("Decide() = %+v (%s), want %+v (%s)", got, got.Action, tt.want, tt.want.Action)
			}
		})
	}
}

func serve(snap authstate.Snapshot, allowed ...model.Role) (*httptest.ResponseRecorder, bool, model.Role) {
	called := false
	var gotRole model.Role
	mw := Middleware(func(*http.Request) authstate.Snapshot { return snap }, allowed...)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotRole, _ = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/employer/dashboard", nil))
	return w, called, gotRole
}

func TestMiddleware_Render(t *testing.T) {
	w, called, r := serve(authstate.Snapshot{Status: authstate.StatusAuthenticated, Role: model.RoleEmployer}, model.RoleEmployer)

	if !called || w.Code != http.StatusOK {
		t.Fatalf("handler called = %v, status = %d", called, w.Code)
	}
	if r != model.RoleEmployer {
		t.Errorf("role in context = %q, want employer", r)
	}
}

func TestMiddleware_WrongRoleNeverRenders(t *testing.T) {
	w, called, _ := serve(authstate.Snapshot{Status: authstate.StatusAuthenticated, Role: model.RoleMaid}, model.RoleEmployer)

	if called {
		t.Error("handler must not be called for a disallowed role")
	}
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/maid/dashboard" {
		t.Errorf("status = %d, location = %q, want 302 /maid/dashboard", w.Code, w.Header().Get("Location"))
	}
}

func TestMiddleware_AnonymousRedirectsToLogin(t *testing.T) {
	w, called, _ := serve(authstate.Snapshot{Status: authstate.StatusAnonymous}, model.RoleEmployer)

	if called {
		t.Error("handler must not be called for anonymous visitors")
	}
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Errorf("status = %d, location = %q, want 302 /login", w.Code, w.Header().Get("Location"))
	}
}

func TestMiddleware_LoadingPlaceholder(t *testing.T) {
	w, called, _ := serve(authstate.Snapshot{Status: authstate.StatusLoading}, model.RoleEmployer)

	if called {
		t.Error("handler must not be called while loading")
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
}
