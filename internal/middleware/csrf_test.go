package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCSRFHandler(called *bool) http.Handler {
	mw := NewCSRFMiddleware(CSRFConfig{})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethodsPassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			w := httptest.NewRecorder()
			newCSRFHandler(&called).ServeHTTP(w, httptest.NewRequest(method, "/auth/me", nil))

			if !called {
				t.Fatalf("handler should have been called for %s", method)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"Cookieなし", "", "token-a", http.StatusForbidden},
		{"ヘッダーなし", "token-a", "", http.StatusForbidden},
		{"トークン不一致", "token-a", "token-b", http.StatusForbidden},
		{"トークン一致", "token-a", "token-a", http.StatusOK},
	}

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		for _, tt := range tests {
			t.Run(method+"/"+tt.name, func(t *testing.T) {
				req := httptest.NewRequest(method, "/auth/signin", nil)
				if tt.cookie != "" {
					req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tt.cookie})
				}
				if tt.header != "" {
					req.Header.Set(CSRFHeaderName, tt.header)
				}

				called := false
				w := httptest.NewRecorder()
				newCSRFHandler(&called).ServeHTTP(w, req)

				if w.Code != tt.wantStatus {
					t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
				}
				if called != (tt.wantStatus == http.StatusOK) {
					t.Errorf("handler called = %v", called)
				}
				if tt.wantStatus == http.StatusForbidden {
					var body ErrorResponseBody
					if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
						t.Fatalf("403 body should be JSON: %v", err)
					}
					if body.Code != "CSRF_VALIDATION_FAILED" {
						t.Errorf("code = %q", body.Code)
					}
				}
			})
		}
	}
}

func TestCSRFMiddleware_GETRequest_SetsCSRFCookie(t *testing.T) {
	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(&called).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "csrf_token" {
			found = c
		}
	}
	if found == nil {
		t.Fatal("csrf_token cookie should be set")
	}
	if found.HttpOnly {
		t.Error("csrf_token cookie must be readable from JavaScript")
	}
	if len(found.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(found.Value))
	}
	if found.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", found.SameSite)
	}
}

func TestCSRFMiddleware_GETRequest_ExistingCookie_DoesNotReplace(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "existing"})

	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(&called).ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Errorf("no cookie should be set, got %v", w.Result().Cookies())
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	t.Run("新規発行", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{CookieSecure: true, CookieDomain: "maidconnect.example"}).
			ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 {
			t.Fatalf("cookies = %d, want 1", len(cookies))
		}
		if cookies[0].Value != body["token"] {
			t.Errorf("cookie %q and body token %q should match", cookies[0].Value, body["token"])
		}
		if !cookies[0].Secure || cookies[0].Domain != "maidconnect.example" {
			t.Errorf("cookie attributes = %+v", cookies[0])
		}
	})

	t.Run("既存トークンを返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "existing"})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["token"] != "existing" {
			t.Errorf("token = %q, want existing", body["token"])
		}
		if len(w.Result().Cookies()) != 0 {
			t.Error("no new cookie expected")
		}
	})
}

func TestRotateCSRFToken_IssuesNewToken(t *testing.T) {
	w := httptest.NewRecorder()
	if err := RotateCSRFToken(w, CSRFConfig{}); err != nil {
		t.Fatalf("RotateCSRFToken() error = %v", err)
	}
	first := w.Result().Cookies()

	w2 := httptest.NewRecorder()
	if err := RotateCSRFToken(w2, CSRFConfig{}); err != nil {
		t.Fatalf("RotateCSRFToken() error = %v", err)
	}
	second := w2.Result().Cookies()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("cookies = %d, %d, want 1 each", len(first), len(second))
	}
	if first[0].Name != "csrf_token" {
		t.Errorf("cookie name = %q", first[0].Name)
	}
	if first[0].Value == second[0].Value {
		t.Error("rotated tokens should differ")
	}
}
