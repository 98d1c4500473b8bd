// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 外部呼び出しの結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// 銀行アイテム確認の結果ラベル
const (
	CheckResultActive        = "active"
	CheckResultLoginRequired = "login_required"
	CheckResultTransient     = "transient"
	CheckResultError         = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 外部クライアント、連携フロー、ワーカーから利用する。
type MetricsCollector interface {
	RecordExternalCall(service, operation, outcome string, duration time.Duration)
	RecordLinkTransition(from, to string)
	RecordItemCheck(result string)
	RecordHTTPStatus(statusCode int)
	RecordItemsLinked(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	externalCalls   *prometheus.CounterVec
	externalLatency *prometheus.HistogramVec
	linkTransitions *prometheus.CounterVec
	itemChecks      *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	itemsLinked     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		externalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_external_calls_total",
			Help: "外部サービス呼び出しの合計数",
		}, []string{"service", "operation", "outcome"}),
		externalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankdash_external_call_latency_seconds",
			Help:    "外部サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation"}),
		linkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_link_transitions_total",
			Help: "銀行連携フローの状態遷移数",
		}, []string{"from", "to"}),
		itemChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_item_checks_total",
			Help: "連携済み銀行アイテムの確認結果別の件数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		itemsLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankdash_items_linked_total",
			Help: "新たに連携された銀行アイテムの合計数",
		}),
	}

	reg.MustRegister(
		c.externalCalls,
		c.externalLatency,
		c.linkTransitions,
		c.itemChecks,
		c.httpStatus,
		c.itemsLinked,
	)

	return c
}

// RecordExternalCall は外部サービス呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordExternalCall(service, operation, outcome string, duration time.Duration) {
	c.externalCalls.WithLabelValues(service, operation, outcome).Inc()
	c.externalLatency.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordLinkTransition は連携フローの状態遷移を記録する。
func (c *Collector) RecordLinkTransition(from, to string) {
	c.linkTransitions.WithLabelValues(from, to).Inc()
}

// RecordItemCheck は銀行アイテム確認の結果を記録する。
func (c *Collector) RecordItemCheck(result string) {
	c.itemChecks.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordItemsLinked は新たに連携された銀行アイテム数を記録する。
func (c *Collector) RecordItemsLinked(count int) {
	c.itemsLinked.Add(float64(count))
}

// Outcome はエラーの有無を結果ラベルに変換する。
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
