// Package errreport は握りつぶした（ユーザーには成功として扱った）障害を外部へ報告する。
//
// 認証フローではロール取得やプロフィール作成の失敗をデフォルトロールで継続するため、
// ログとメトリクスに加えてSentryへ送信し、サイレントな劣化を検知できるようにする。
package errreport

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
)

// Reporter はエラー報告のインターフェース。
type Reporter interface {
	// Report はエラーをタグ付きで報告する。
	Report(ctx context.Context, err error, tags map[string]string)
	// Middleware はpanicを捕捉して報告するHTTPミドルウェアを返す。
	Middleware() func(http.Handler) http.Handler
	// Flush は送信待ちのイベントを最大timeoutまで送信する。
	Flush(timeout time.Duration) bool
}

// Options はSentryReporterの設定。
type Options struct {
	DSN         string
	Environment string
	Release     string
}

// SentryReporter はsentry-goによるReporter実装。
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter はSentryクライアントを初期化し、グローバルHubにも設定する。
// グローバルHubはsentryhttpがリクエストごとに複製して使う。
func NewSentryReporter(opts Options) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	sentry.CurrentHub().BindClient(client)
	return newSentryReporter(client), nil
}

func newSentryReporter(client *sentry.Client) *SentryReporter {
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}
}

// Report はエラーをwarningレベルで報告する。
// ctxにリクエストのHubがあればそれを使い、リクエスト情報を付加する。
func (r *SentryReporter) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

// Middleware はsentryhttpのハンドラーを返す。panicは記録した上で再送出する。
func (r *SentryReporter) Middleware() func(http.Handler) http.Handler {
	return sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle
}

// Flush は送信待ちのイベントを送信する。
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Nop は何もしないReporter。SENTRY_DSN未設定時とテストで使う。
type Nop struct{}

// Report は何もしない。
func (Nop) Report(context.Context, error, map[string]string) {}

// Middleware は受け取ったハンドラーをそのまま返す。
func (Nop) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

// Flush は常にtrueを返す。
func (Nop) Flush(time.Duration) bool { return true }

var (
	_ Reporter = (*SentryReporter)(nil)
	_ Reporter = Nop{}
)
