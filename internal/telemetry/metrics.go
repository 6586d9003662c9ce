// Package telemetry provides Prometheus metrics for the sync agent.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics satisfies the metrics hooks of the replay and notify packages.
// A nil *Metrics records nothing.
type Metrics struct {
	PendingActions         prometheus.Gauge
	ReplaySubmissions      *prometheus.CounterVec // result: success, failure
	ReplayTerminalFailures prometheus.Counter
	ChannelState           prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected
	ChannelReconnects      prometheus.Counter
	Notifications          *prometheus.CounterVec // outcome: shown, duplicate, evicted, auto_hidden, dismissed

	collectors []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register deskrelay metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.PendingActions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskrelay_pending_actions",
		Help: "Number of offline actions waiting to be replayed",
	})
	m.ReplaySubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_replay_submissions_total",
			Help: "Total number of action submissions by result",
		},
		[]string{"result"},
	)
	m.ReplayTerminalFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskrelay_replay_terminal_failures_total",
		Help: "Total number of actions that exhausted their replay attempts",
	})
	m.ChannelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskrelay_channel_state",
		Help: "Notification channel state (0=disconnected, 1=connecting, 2=connected)",
	})
	m.ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskrelay_channel_reconnects_total",
		Help: "Total number of notification channel reconnect attempts",
	})
	m.Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_notifications_total",
			Help: "Total number of notifications by dispatcher outcome",
		},
		[]string{"outcome"},
	)

	m.collectors = []prometheus.Collector{
		m.PendingActions,
		m.ReplaySubmissions,
		m.ReplayTerminalFailures,
		m.ChannelState,
		m.ChannelReconnects,
		m.Notifications,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func (m *Metrics) SetPendingActions(n int) {
	if m == nil {
		return
	}
	m.PendingActions.Set(float64(n))
}

func (m *Metrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.ReplaySubmissions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTerminalFailure() {
	if m == nil {
		return
	}
	m.ReplayTerminalFailures.Inc()
}

func (m *Metrics) SetChannelState(state string) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case "connecting":
		value = 1
	case "connected":
		value = 2
	}
	m.ChannelState.Set(value)
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ChannelReconnects.Inc()
}

func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}
