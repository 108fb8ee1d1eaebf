// Package metrics exposes the Traffic Engine's Prometheus collectors:
// per-account action throughput, ledger denials, warmup phase
// distribution, proxy health, and funnel conversion counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine registers. A single instance
// is created at startup and threaded into the components that report.
type Metrics struct {
	ActionsTotal       *prometheus.CounterVec
	ActionDuration     *prometheus.HistogramVec
	ActionsInFlight    prometheus.Gauge
	LedgerDeniedTotal  *prometheus.CounterVec
	AccountsByStatus   *prometheus.GaugeVec
	AccountsByPhase    *prometheus.GaugeVec
	ProxiesByHealth    *prometheus.GaugeVec
	StrategyReward     *prometheus.HistogramVec
	InvitesPublished   prometheus.Counter
	FunnelConversions  *prometheus.CounterVec
	ChannelsPolled     prometheus.Counter
	PostsObservedTotal prometheus.Counter
}

// New builds and registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_engine_actions_total",
				Help: "Total dispatched actions by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traffic_engine_action_duration_seconds",
				Help:    "Time spent executing one dispatched action.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		ActionsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "traffic_engine_actions_in_flight",
				Help: "Actions currently being executed across all accounts.",
			},
		),
		LedgerDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_engine_ledger_denied_total",
				Help: "Actions dropped because the daily ledger ceiling was reached.",
			},
			[]string{"kind"},
		),
		AccountsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_engine_accounts_by_status",
				Help: "Number of accounts currently in each lifecycle status.",
			},
			[]string{"status"},
		),
		AccountsByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_engine_accounts_by_warmup_phase",
				Help: "Number of accounts currently in each warmup phase.",
			},
			[]string{"phase"},
		),
		ProxiesByHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "traffic_engine_proxies_by_health",
				Help: "Number of proxies currently in each health state.",
			},
			[]string{"health"},
		),
		StrategyReward: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traffic_engine_strategy_reward",
				Help:    "Reward observed per comment strategy arm.",
				Buckets: []float64{0, .25, .5, .75, 1},
			},
			[]string{"strategy_id"},
		),
		InvitesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "traffic_engine_invites_published_total",
				Help: "Total invite teaser posts published.",
			},
		),
		FunnelConversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traffic_engine_funnel_conversions_total",
				Help: "Total funnel conversions by status.",
			},
			[]string{"status"},
		),
		ChannelsPolled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "traffic_engine_channels_polled_total",
				Help: "Total channel monitor poll cycles run.",
			},
		),
		PostsObservedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "traffic_engine_posts_observed_total",
				Help: "Total new channel posts observed by the monitor.",
			},
		),
	}

	registerer.MustRegister(
		m.ActionsTotal,
		m.ActionDuration,
		m.ActionsInFlight,
		m.LedgerDeniedTotal,
		m.AccountsByStatus,
		m.AccountsByPhase,
		m.ProxiesByHealth,
		m.StrategyReward,
		m.InvitesPublished,
		m.FunnelConversions,
		m.ChannelsPolled,
		m.PostsObservedTotal,
	)
	return m
}

// RecordAction records one dispatched action's outcome and duration.
func (m *Metrics) RecordAction(kind, outcome string, duration time.Duration) {
	m.ActionsTotal.WithLabelValues(kind, outcome).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLedgerDenied records one action dropped by the daily ledger.
func (m *Metrics) RecordLedgerDenied(kind string) {
	m.LedgerDeniedTotal.WithLabelValues(kind).Inc()
}

// RecordStrategyReward records one observed reward for a strategy arm.
func (m *Metrics) RecordStrategyReward(strategyID string, reward float64) {
	m.StrategyReward.WithLabelValues(strategyID).Observe(reward)
}

// RecordFunnelConversion records one funnel conversion at the given status.
func (m *Metrics) RecordFunnelConversion(status string) {
	m.FunnelConversions.WithLabelValues(status).Inc()
}

// SetAccountsByStatus replaces the account-status gauge snapshot.
func (m *Metrics) SetAccountsByStatus(counts map[string]int) {
	for status, count := range counts {
		m.AccountsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// SetAccountsByPhase replaces the warmup-phase gauge snapshot.
func (m *Metrics) SetAccountsByPhase(counts map[int]int) {
	for phase, count := range counts {
		m.AccountsByPhase.WithLabelValues(phaseLabel(phase)).Set(float64(count))
	}
}

// SetProxiesByHealth replaces the proxy-health gauge snapshot.
func (m *Metrics) SetProxiesByHealth(counts map[string]int) {
	for health, count := range counts {
		m.ProxiesByHealth.WithLabelValues(health).Set(float64(count))
	}
}

func phaseLabel(phase int) string {
	const digits = "0123456789"
	if phase < 0 || phase > 9 {
		return "other"
	}
	return string(digits[phase])
}
