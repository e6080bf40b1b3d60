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
// バッチ駆動、投稿取得、プロキシの各層から利用する。
type MetricsCollector interface {
	RecordBatchOutcome(operation string, successCount, failCount int)
	RecordPageFetch(latency time.Duration)
	RecordPostsCached(count int)
	RecordProxyFail()
	RecordRemoteHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	batchItemSuccess *prometheus.CounterVec
	batchItemFail    *prometheus.CounterVec
	pagesFetched     prometheus.Counter
	pageFetchLatency prometheus.Histogram
	postsCached      prometheus.Counter
	proxyFail        prometheus.Counter
	remoteHTTPStatus *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		batchItemSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagsync_batch_item_success_total",
			Help: "バッチ処理アイテム成功の合計数",
		}, []string{"operation"}),
		batchItemFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagsync_batch_item_fail_total",
			Help: "バッチ処理アイテム失敗の合計数",
		}, []string{"operation"}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagsync_pages_fetched_total",
			Help: "取得した投稿ページの合計数",
		}),
		pageFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagsync_page_fetch_latency_seconds",
			Help:    "投稿ページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		postsCached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagsync_posts_cached_total",
			Help: "キャッシュへ追加した投稿の合計数",
		}),
		proxyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagsync_proxy_fail_total",
			Help: "画像プロキシ取得失敗の合計数",
		}),
		remoteHTTPStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagsync_remote_http_status_total",
			Help: "リモートAPIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.batchItemSuccess,
		c.batchItemFail,
		c.pagesFetched,
		c.pageFetchLatency,
		c.postsCached,
		c.proxyFail,
		c.remoteHTTPStatus,
	)

	return c
}

// RecordBatchOutcome は一括操作のアイテム成否を記録する。
func (c *Collector) RecordBatchOutcome(operation string, successCount, failCount int) {
	c.batchItemSuccess.WithLabelValues(operation).Add(float64(successCount))
	c.batchItemFail.WithLabelValues(operation).Add(float64(failCount))
}

// RecordPageFetch は投稿ページ取得とそのレイテンシを記録する。
func (c *Collector) RecordPageFetch(latency time.Duration) {
	c.pagesFetched.Inc()
	c.pageFetchLatency.Observe(latency.Seconds())
}

// RecordPostsCached はキャッシュへ追加した投稿数を記録する。
func (c *Collector) RecordPostsCached(count int) {
	c.postsCached.Add(float64(count))
}

// RecordProxyFail は画像プロキシ取得の失敗を記録する。
func (c *Collector) RecordProxyFail() {
	c.proxyFail.Inc()
}

// RecordRemoteHTTPStatus はリモートAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordRemoteHTTPStatus(statusCode int) {
	c.remoteHTTPStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
