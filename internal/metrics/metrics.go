// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/ticketfront/internal/model"
)

const namespace = "ticketfront"

// 結果ラベルの値。
const (
	ResultSuccess = "success"
	ResultSkipped = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、プロキシ、ワーカーから利用する。
type MetricsCollector interface {
	ObserveAction(action string, kind model.ErrorKind, duration time.Duration)
	ObserveInvalidation(reason string)
	RecordHTTPStatus(statusCode int)
	RecordIdentityCheck(result string)
	RecordAuthzDecision(decision string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	actions        *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec
	invalidations  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	identityChecks *prometheus.CounterVec
	authzDecisions *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_actions_total",
			Help:      "認証操作の結果別の合計数",
		}, []string{"action", "result"}),
		actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_action_duration_seconds",
			Help:      "認証操作のレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_invalidations_total",
			Help:      "理由別のセッション無効化の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_http_status_total",
			Help:      "バックエンドのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		identityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_checks_total",
			Help:      "IdPサインイン状態の確認結果別の合計数",
		}, []string{"result"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "ルートガードの判定別の合計数",
		}, []string{"decision"}),
	}

	reg.MustRegister(
		c.actions,
		c.actionLatency,
		c.invalidations,
		c.httpStatus,
		c.identityChecks,
		c.authzDecisions,
	)

	return c
}

// ObserveAction は認証操作の結果とレイテンシを記録する。kindが空の場合は成功とする。
func (c *Collector) ObserveAction(action string, kind model.ErrorKind, duration time.Duration) {
	result := ResultSuccess
	if kind != "" {
		result = string(kind)
	}
	c.actions.WithLabelValues(action, result).Inc()
	c.actionLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveInvalidation はセッション無効化を記録する。
func (c *Collector) ObserveInvalidation(reason string) {
	c.invalidations.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はバックエンドのHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordIdentityCheck はIdPサインイン状態の確認結果を記録する。
func (c *Collector) RecordIdentityCheck(result string) {
	c.identityChecks.WithLabelValues(result).Inc()
}

// RecordAuthzDecision はルートガードの判定を記録する。
func (c *Collector) RecordAuthzDecision(decision string) {
	c.authzDecisions.WithLabelValues(decision).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
