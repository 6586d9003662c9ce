package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordHooks(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	m.SetPendingActions(3)
	m.RecordSubmission("success")
	m.RecordSubmission("success")
	m.RecordSubmission("failure")
	m.RecordTerminalFailure()
	m.SetChannelState("connected")
	m.RecordReconnect()
	m.RecordNotification("shown")
	m.RecordNotification("duplicate")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingActions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplaySubmissions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplaySubmissions.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplayTerminalFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChannelState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("duplicate")))

	m.SetChannelState("disconnected")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChannelState))

	err = testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP deskrelay_replay_terminal_failures_total Total number of actions that exhausted their replay attempts
# TYPE deskrelay_replay_terminal_failures_total counter
deskrelay_replay_terminal_failures_total 1
`), "deskrelay_replay_terminal_failures_total")
	assert.NoError(t, err)
}

func TestMetricsRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewMetrics(registry)
	require.NoError(t, err)
	_, err = NewMetrics(registry)
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPendingActions(1)
		m.RecordSubmission("success")
		m.RecordTerminalFailure()
		m.SetChannelState("connecting")
		m.RecordReconnect()
		m.RecordNotification("shown")
	})
}
