package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	require.NotNil(t, m)
	assert.NotNil(t, m.ActionsTotal)
	assert.NotNil(t, m.ActionDuration)
	assert.NotNil(t, m.LedgerDeniedTotal)
	assert.NotNil(t, m.StrategyReward)
	assert.NotNil(t, m.FunnelConversions)
}

func TestRecordAction_DoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordAction("comment", "success", 150*time.Millisecond)
	m.RecordAction("comment", "error", 50*time.Millisecond)
}

func TestRecordLedgerDenied_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordLedgerDenied("comment")
	m.RecordLedgerDenied("comment")

	count := testutil.ToFloat64(m.LedgerDeniedTotal.WithLabelValues("comment"))
	assert.Equal(t, float64(2), count)
}

func TestRecordStrategyReward_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordStrategyReward("arm-1", 1.0)
	m.RecordStrategyReward("arm-1", 0.5)
}

func TestSetAccountsByStatus_SetsGaugePerLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetAccountsByStatus(map[string]int{"active": 12, "cooldown": 3})

	assert.Equal(t, float64(12), testutil.ToFloat64(m.AccountsByStatus.WithLabelValues("active")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.AccountsByStatus.WithLabelValues("cooldown")))
}
