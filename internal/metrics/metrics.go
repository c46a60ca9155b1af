// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、状態ストア、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(method, outcome string)
	RecordRoleResolved(source string)
	RecordRoleFallback(flow, reason string)
	RecordStateTransition(from, to string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts     *prometheus.CounterVec
	roleResolved     *prometheus.CounterVec
	roleFallback     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	httpStatus       *prometheus.CounterVec
	sessionsPurged   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maidconnect_auth_attempts_total",
			Help: "認証試行の合計数（方式・結果別）",
		}, []string{"method", "outcome"}),
		roleResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maidconnect_role_resolved_total",
			Help: "ロール解決の合計数（取得元別）",
		}, []string{"source"}),
		roleFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maidconnect_role_fallback_total",
			Help: "デフォルトロールへのフォールバック数（フロー・理由別）",
		}, []string{"flow", "reason"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maidconnect_authstate_transitions_total",
			Help: "認証状態の遷移数",
		}, []string{"from", "to"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maidconnect_provider_latency_seconds",
			Help:    "Identity Provider呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maidconnect_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maidconnect_sessions_purged_total",
			Help: "削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.roleResolved,
		c.roleFallback,
		c.stateTransitions,
		c.providerLatency,
		c.httpStatus,
		c.sessionsPurged,
	)

	return c
}

// RecordAuthAttempt は認証試行を記録する。methodはpassword/signup/oauth、outcomeはsuccess/failure等。
func (c *Collector) RecordAuthAttempt(method, outcome string) {
	c.authAttempts.WithLabelValues(method, outcome).Inc()
}

// RecordRoleResolved はロールの取得元を記録する。
func (c *Collector) RecordRoleResolved(source string) {
	c.roleResolved.WithLabelValues(source).Inc()
}

// RecordRoleFallback はデフォルトロールへの劣化を記録する。
func (c *Collector) RecordRoleFallback(flow, reason string) {
	c.roleFallback.WithLabelValues(flow, reason).Inc()
}

// RecordStateTransition は認証状態の遷移を記録する。
func (c *Collector) RecordStateTransition(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordProviderLatency はProvider呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsPurged は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
