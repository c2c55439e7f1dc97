// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・リポジトリ層・ワーカーから利用する。
type MetricsCollector interface {
	RecordXPAppended(sourceType string, amount int64)
	RecordDuplicateIgnored(sourceType string)
	RecordLedgerRetry()
	RecordLedgerConflict()
	RecordRankUp(rankID string)
	RecordBadgeUnlocked(badgeID string)
	RecordMissionTransition(completed bool)
	RecordOnboardingStep(outcome string)
	RecordNotifyFailure(channel string)
	RecordReconcileDrift(count int)
	RecordHTTPStatus(statusCode int)
}

// オンボーディングのステップ完了結果ラベル
const (
	OnboardingAdvanced   = "advanced"
	OnboardingReplayed   = "replayed"
	OnboardingOutOfOrder = "out_of_order"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	xpAppended        *prometheus.CounterVec
	xpAmount          *prometheus.CounterVec
	duplicateIgnored  *prometheus.CounterVec
	ledgerRetry       prometheus.Counter
	ledgerConflict    prometheus.Counter
	rankUp            *prometheus.CounterVec
	badgeUnlocked     *prometheus.CounterVec
	missionTransition *prometheus.CounterVec
	onboardingStep    *prometheus.CounterVec
	notifyFailure     *prometheus.CounterVec
	reconcileDrift    prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		xpAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_xp_transactions_total",
			Help: "受理されたXPトランザクションの合計数",
		}, []string{"source_type"}),
		xpAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_xp_awarded_total",
			Help: "付与されたXPの合計（取り消し分は含まない）",
		}, []string{"source_type"}),
		duplicateIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_xp_duplicate_ignored_total",
			Help: "冪等キーの重複により無視された追記の合計数",
		}, []string{"source_type"}),
		ledgerRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progression_ledger_retry_total",
			Help: "一時的な競合によるトランザクション再試行の合計数",
		}),
		ledgerConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progression_ledger_conflict_total",
			Help: "再試行を使い切ってCONFLICTを返した合計数",
		}),
		rankUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_rank_up_total",
			Help: "ランク昇格の合計数",
		}, []string{"rank_id"}),
		badgeUnlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_badge_unlocked_total",
			Help: "バッジ解除の合計数",
		}, []string{"badge_id"}),
		missionTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_mission_transition_total",
			Help: "ミッションの達成・取り消しの合計数",
		}, []string{"completed"}),
		onboardingStep: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_onboarding_step_total",
			Help: "オンボーディングのステップ完了要求の結果別合計数",
		}, []string{"outcome"}),
		notifyFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_notify_failure_total",
			Help: "進捗イベント通知の失敗数",
		}, []string{"channel"}),
		reconcileDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progression_reconcile_drift_total",
			Help: "突き合わせで修復したXP集計の不一致件数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.xpAppended,
		c.xpAmount,
		c.duplicateIgnored,
		c.ledgerRetry,
		c.ledgerConflict,
		c.rankUp,
		c.badgeUnlocked,
		c.missionTransition,
		c.onboardingStep,
		c.notifyFailure,
		c.reconcileDrift,
		c.httpStatus,
	)

	return c
}

// RecordXPAppended は受理された追記を記録する。負の金額（取り消し）は件数のみ数える。
func (c *Collector) RecordXPAppended(sourceType string, amount int64) {
	c.xpAppended.WithLabelValues(sourceType).Inc()
	if amount > 0 {
		c.xpAmount.WithLabelValues(sourceType).Add(float64(amount))
	}
}

// RecordDuplicateIgnored は重複により無視された追記を記録する。
func (c *Collector) RecordDuplicateIgnored(sourceType string) {
	c.duplicateIgnored.WithLabelValues(sourceType).Inc()
}

// RecordLedgerRetry はトランザクション再試行を記録する。
func (c *Collector) RecordLedgerRetry() {
	c.ledgerRetry.Inc()
}

// RecordLedgerConflict は再試行の枯渇を記録する。
func (c *Collector) RecordLedgerConflict() {
	c.ledgerConflict.Inc()
}

// RecordRankUp はランク昇格を記録する。
func (c *Collector) RecordRankUp(rankID string) {
	c.rankUp.WithLabelValues(rankID).Inc()
}

// RecordBadgeUnlocked はバッジ解除を記録する。
func (c *Collector) RecordBadgeUnlocked(badgeID string) {
	c.badgeUnlocked.WithLabelValues(badgeID).Inc()
}

// RecordMissionTransition はミッションの達成・取り消しを記録する。
func (c *Collector) RecordMissionTransition(completed bool) {
	c.missionTransition.WithLabelValues(strconv.FormatBool(completed)).Inc()
}

// RecordOnboardingStep はステップ完了要求の結果を記録する。
func (c *Collector) RecordOnboardingStep(outcome string) {
	c.onboardingStep.WithLabelValues(outcome).Inc()
}

// RecordNotifyFailure は通知の失敗を記録する。
func (c *Collector) RecordNotifyFailure(channel string) {
	c.notifyFailure.WithLabelValues(channel).Inc()
}

// RecordReconcileDrift は修復した不一致件数を記録する。
func (c *Collector) RecordReconcileDrift(count int) {
	c.reconcileDrift.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
