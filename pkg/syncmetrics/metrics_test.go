package syncmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountsAndNilSafety(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Event(Conversations, "added")
	m.Event(Conversations, "added")
	m.Dropped(Messages, "hidden_info")
	m.Sound()
	m.ReplayStep("wait")

	require.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(Conversations, "added")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues(Messages, "hidden_info")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sounds))

	_, err = New(reg)
	require.Error(t, err)

	var nilMetrics *Metrics
	nilMetrics.Event(Messages, "added")
	nilMetrics.SendFailed()
}
