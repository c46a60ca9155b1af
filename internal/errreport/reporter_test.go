package errreport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
)

// newCapturingReporter は送信せずにイベントを記録するSentryReporterを生成する。
func newCapturingReporter(t *testing.T) (*SentryReporter, func() []*sentry.Event) {
	t.Helper()
	t.Setenv("SENTRY_DSN", "")

	var mu sync.Mutex
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("sentry.NewClient() error: %v", err)
	}

	return newSentryReporter(client), func() []*sentry.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*sentry.Event(nil), events...)
	}
}

func TestSentryReporter_Report_AttachesTags(t *testing.T) {
	r, events := newCapturingReporter(t)

	r.Report(context.Background(), errors.New("profile lookup failed"), map[string]string{
		"flow":   "signin",
		"reason": "profile_lookup_error",
	})

	got := events()
	if len(got) != 1 {
		t.Fatalf("captured %d events, want 1", len(got))
	}
	if got[0].Level != sentry.LevelWarning {
		t.Errorf("Level = %q, want warning", got[0].Level)
	}
	if got[0].Tags["flow"] != "signin" || got[0].Tags["reason"] != "profile_lookup_error" {
		t.Errorf("Tags = %v", got[0].Tags)
	}
}

func TestSentryReporter_Report_NilErrorIgnored(t *testing.T) {
	r, events := newCapturingReporter(t)

	r.Report(context.Background(), nil, nil)

	if n := len(events()); n != 0 {
		t.Errorf("captured %d events, want 0", n)
	}
}

func TestSentryReporter_Report_ScopeDoesNotLeak(t *testing.T) {
	r, events := newCapturingReporter(t)

	r.Report(context.Background(), errors.New("first"), map[string]string{"flow": "callback"})
	r.Report(context.Background(), errors.New("second"), nil)

	got := events()
	if len(got) != 2 {
		t.Fatalf("captured %d events, want 2", len(got))
	}
	if _, ok := got[1].Tags["flow"]; ok {
		t.Error("tags from the first report leaked into the second")
	}
}

func TestNop(t *testing.T) {
	var r Reporter = Nop{}
	r.Report(context.Background(), errors.New("ignored"), nil)

	called := false
	h := r.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called || rec.Code != http.StatusNoContent {
		t.Errorf("Nop middleware should pass through, got called=%v code=%d", called, rec.Code)
	}
	if !r.Flush(0) {
		t.Error("Nop.Flush() should return true")
	}
}
