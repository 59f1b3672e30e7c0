package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(label).Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordSlotIncrementsOutcomeAndSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.RecordSlot(OutcomeAck, SourceNetwork)
	m.RecordSlot(OutcomeAck, SourceNetwork)
	m.RecordSlot(OutcomeNoReply, "")

	require.Equal(t, float64(2), counterValue(t, m.slotOutcomes, string(OutcomeAck)))
	require.Equal(t, float64(1), counterValue(t, m.slotOutcomes, string(OutcomeNoReply)))
	require.Equal(t, float64(2), counterValue(t, m.commandSources, string(SourceNetwork)))
}

func TestObserveRoundRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ObserveRound(5 * time.Millisecond)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "base_station_scheduler_round_duration_seconds" {
			found = true
			require.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found, "expected round duration histogram to be registered")
}

func TestRecordAlivenessSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.RecordAliveness(0b0011, 2)

	gaugeValue := func(name string) float64 {
		mfs, err := reg.Gather()
		require.NoError(t, err)
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf.GetMetric()[0].GetGauge().GetValue()
			}
		}
		t.Fatalf("metric %s not found", name)
		return 0
	}

	require.Equal(t, float64(3), gaugeValue("base_station_liveness_aliveness_mask"))
	require.Equal(t, float64(2), gaugeValue("base_station_liveness_robots_alive"))
}
