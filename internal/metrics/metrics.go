// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/memberclub/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理・課金オーケストレーター・照合ワーカーから利用する。
type MetricsCollector interface {
	RecordSessionTransition(to model.SessionState)
	IncUpgradeOutcome(outcome string)
	IncConfirmRetry()
	RecordSweepResolved(phase string)
	RecordCollaboratorLatency(collaborator string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionTransitions  *prometheus.CounterVec
	upgradeOutcomes     *prometheus.CounterVec
	confirmRetries      prometheus.Counter
	sweepResolved       *prometheus.CounterVec
	collaboratorLatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberclub_session_transitions_total",
			Help: "セッション状態遷移の遷移先別合計数",
		}, []string{"to"}),
		upgradeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberclub_upgrade_outcomes_total",
			Help: "プランアップグレード結果の分類別合計数",
		}, []string{"outcome"}),
		confirmRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memberclub_confirm_retries_total",
			Help: "プラン確定リトライの合計数",
		}),
		sweepResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberclub_sweep_resolved_total",
			Help: "照合スイープが解決した試行の終了フェーズ別合計数",
		}, []string{"phase"}),
		collaboratorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memberclub_collaborator_latency_seconds",
			Help:    "外部コラボレーター呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"collaborator"}),
	}

	reg.MustRegister(
		c.sessionTransitions,
		c.upgradeOutcomes,
		c.confirmRetries,
		c.sweepResolved,
		c.collaboratorLatency,
	)

	return c
}

// RecordSessionTransition はセッション状態遷移を記録する。
func (c *Collector) RecordSessionTransition(to model.SessionState) {
	c.sessionTransitions.WithLabelValues(string(to)).Inc()
}

// IncUpgradeOutcome はアップグレード結果を記録する。
func (c *Collector) IncUpgradeOutcome(outcome string) {
	c.upgradeOutcomes.WithLabelValues(outcome).Inc()
}

// IncConfirmRetry はプラン確定リトライを記録する。
func (c *Collector) IncConfirmRetry() {
	c.confirmRetries.Inc()
}

// RecordSweepResolved は照合スイープが解決した試行を記録する。
func (c *Collector) RecordSweepResolved(phase string) {
	c.sweepResolved.WithLabelValues(phase).Inc()
}

// RecordCollaboratorLatency は外部コラボレーター呼び出しのレイテンシを記録する。
func (c *Collector) RecordCollaboratorLatency(collaborator string, duration time.Duration) {
	c.collaboratorLatency.WithLabelValues(collaborator).Observe(duration.Seconds())
}

// LatencyRecorder はコラボレーター呼び出しのレイテンシ記録先。
type LatencyRecorder interface {
	RecordCollaboratorLatency(collaborator string, duration time.Duration)
}

// instrumentedTransport はRoundTripのレイテンシを記録するhttp.RoundTripper。
type instrumentedTransport struct {
	base         http.RoundTripper
	recorder     LatencyRecorder
	collaborator string
}

// InstrumentTransport はbaseにレイテンシ記録を挟んだRoundTripperを返す。
// baseがnilの場合はhttp.DefaultTransportを使用する。
func InstrumentTransport(base http.RoundTripper, recorder LatencyRecorder, collaborator string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &instrumentedTransport{
		base:         base,
		recorder:     recorder,
		collaborator: collaborator,
	}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	t.recorder.RecordCollaboratorLatency(t.collaborator, time.Since(start))
	return resp, err
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
