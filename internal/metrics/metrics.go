// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 操作結果のラベル値
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 各ステートマシンとHTTP層から利用する。
type MetricsCollector interface {
	RecordOperation(machine, op string, err error, duration time.Duration)
	RecordStaleResult(machine, op string)
	RecordQuotaExceeded()
	RecordRecipeExtracted(inputType string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	staleResults     *prometheus.CounterVec
	quotaExceeded    prometheus.Counter
	recipesExtracted *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantrypilot_operations_total",
			Help: "ステートマシン操作の実行数",
		}, []string{"machine", "op", "result"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pantrypilot_operation_latency_seconds",
			Help:    "ステートマシン操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"machine", "op"}),
		staleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantrypilot_stale_results_total",
			Help: "後続の操作に追い越されて破棄された結果の数",
		}, []string{"machine", "op"}),
		quotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantrypilot_quota_exceeded_total",
			Help: "無料枠の上限で送信が拒否された回数",
		}),
		recipesExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantrypilot_recipes_extracted_total",
			Help: "抽出に成功したレシピ数",
		}, []string{"input_type"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantrypilot_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.operations,
		c.operationLatency,
		c.staleResults,
		c.quotaExceeded,
		c.recipesExtracted,
		c.httpStatus,
	)

	return c
}

// RecordOperation は操作の結果とレイテンシを記録する。
func (c *Collector) RecordOperation(machine, op string, err error, duration time.Duration) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.operations.WithLabelValues(machine, op, result).Inc()
	c.operationLatency.WithLabelValues(machine, op).Observe(duration.Seconds())
}

// RecordStaleResult は破棄された古い結果を記録する。
func (c *Collector) RecordStaleResult(machine, op string) {
	c.staleResults.WithLabelValues(machine, op).Inc()
}

// RecordQuotaExceeded は上限到達による拒否を記録する。
func (c *Collector) RecordQuotaExceeded() {
	c.quotaExceeded.Inc()
}

// RecordRecipeExtracted は抽出成功を入力種別ごとに記録する。
func (c *Collector) RecordRecipeExtracted(inputType string) {
	c.recipesExtracted.WithLabelValues(inputType).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordOperation(string, string, error, time.Duration) {}
func (NopCollector) RecordStaleResult(string, string)                     {}
func (NopCollector) RecordQuotaExceeded()                                 {}
func (NopCollector) RecordRecipeExtracted(string)                         {}
func (NopCollector) RecordHTTPStatus(int)                                 {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
