// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// サインイン結果のラベル値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordSignIn(result string)
	RecordSignUp()
	RecordAccountDeletion()
	RecordActivityLogged(action string)
	RecordRateLimited(route string)
	RecordHTTPStatus(statusCode int)
	RecordCleanup(target string, deleted int64, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIns          *prometheus.CounterVec
	signUps          prometheus.Counter
	accountDeletions prometheus.Counter
	activityLogged   *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	cleanupDeleted   *prometheus.CounterVec
	cleanupLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitconv_sign_in_total",
			Help: "サインイン試行の結果別の合計数",
		}, []string{"result"}),
		signUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unitconv_sign_up_total",
			Help: "ユーザー登録の合計数",
		}),
		accountDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unitconv_account_deletions_total",
			Help: "アカウント削除の合計数",
		}),
		activityLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitconv_activity_logs_written_total",
			Help: "書き込まれた監査ログのアクション別の合計数",
		}, []string{"action"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitconv_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"route"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitconv_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitconv_cleanup_deleted_total",
			Help: "クリーンアップで削除されたレコード数",
		}, []string{"target"}),
		cleanupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unitconv_cleanup_latency_seconds",
			Help:    "クリーンアップジョブのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.signIns,
		c.signUps,
		c.accountDeletions,
		c.activityLogged,
		c.rateLimited,
		c.httpStatus,
		c.cleanupDeleted,
		c.cleanupLatency,
	)

	return c
}

// RecordSignIn はサインイン試行を結果別に記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIns.WithLabelValues(result).Inc()
}

// RecordSignUp はユーザー登録を記録する。
func (c *Collector) RecordSignUp() {
	c.signUps.Inc()
}

// RecordAccountDeletion はアカウント削除を記録する。
func (c *Collector) RecordAccountDeletion() {
	c.accountDeletions.Inc()
}

// RecordActivityLogged は監査ログの書き込みを記録する。
func (c *Collector) RecordActivityLogged(action string) {
	c.activityLogged.WithLabelValues(action).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanup はクリーンアップの削除件数と所要時間を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64, duration time.Duration) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
	c.cleanupLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSignIn(string) {}
func (Nop) RecordSignUp() {}
func (Nop) RecordAccountDeletion() {}
func (Nop) RecordActivityLogged(string) {}
func (Nop) RecordRateLimited(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordCleanup(string, int64, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても収集できたメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
