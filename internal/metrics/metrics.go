// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallabag_kindle"

// 結果ラベルの値。
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやハンドラーから利用する。
type MetricsCollector interface {
	RecordJobsDiscovered(count int)
	// RecordWallabagRequest はwallabag API呼び出しの結果を記録する。
	// opは"list"/"remove_tag"/"export"/"token"、classは"ok"/"auth"/"transient"。
	RecordWallabagRequest(op, class string)
	// RecordMail はメール送信の結果を記録する。kindは"article"/"warning"。
	RecordMail(kind string, ok bool)
	RecordTokenRefresh(ok bool)
	RecordUserDeactivated()
	// RecordTick はループ1回分の所要時間を記録する。loopは"refresh"/"consume"。
	RecordTick(loop string, duration time.Duration)
	// RecordRegistration は登録インターフェースの操作結果を記録する。
	RecordRegistration(action, result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	jobsDiscovered   prometheus.Counter
	wallabagRequests *prometheus.CounterVec
	mails            *prometheus.CounterVec
	tokenRefresh     *prometheus.CounterVec
	usersDeactivated prometheus.Counter
	tickDuration     *prometheus.HistogramVec
	registrations    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_discovered_total",
			Help:      "検出フェーズで作成された配送ジョブの合計数",
		}),
		wallabagRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallabag_requests_total",
			Help:      "wallabag API呼び出しの操作別・結果別の合計数",
		}, []string{"op", "class"}),
		mails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mails_total",
			Help:      "メール送信の種類別・結果別の合計数",
		}, []string{"kind", "result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "トークン更新の結果別の合計数",
		}, []string{"result"}),
		usersDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_deactivated_total",
			Help:      "トークン更新失敗により無効化されたユーザーの合計数",
		}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "ループ1回分の所要時間（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "登録インターフェースの操作別・結果別の合計数",
		}, []string{"action", "result"}),
	}

	reg.MustRegister(
		c.jobsDiscovered,
		c.wallabagRequests,
		c.mails,
		c.tokenRefresh,
		c.usersDeactivated,
		c.tickDuration,
		c.registrations,
	)

	return c
}

// RecordJobsDiscovered は作成されたジョブ数を記録する。
func (c *Collector) RecordJobsDiscovered(count int) {
	c.jobsDiscovered.Add(float64(count))
}

// RecordWallabagRequest はwallabag API呼び出しの結果を記録する。
func (c *Collector) RecordWallabagRequest(op, class string) {
	c.wallabagRequests.WithLabelValues(op, class).Inc()
}

// RecordMail はメール送信の結果を記録する。
func (c *Collector) RecordMail(kind string, ok bool) {
	c.mails.WithLabelValues(kind, result(ok)).Inc()
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(ok bool) {
	c.tokenRefresh.WithLabelValues(result(ok)).Inc()
}

// RecordUserDeactivated はユーザーの無効化を記録する。
func (c *Collector) RecordUserDeactivated() {
	c.usersDeactivated.Inc()
}

// RecordTick はループ1回分の所要時間を記録する。
func (c *Collector) RecordTick(loop string, duration time.Duration) {
	c.tickDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// RecordRegistration は登録インターフェースの操作結果を記録する。
func (c *Collector) RecordRegistration(action, result string) {
	c.registrations.WithLabelValues(action, result).Inc()
}

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
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

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
