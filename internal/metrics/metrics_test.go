package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Record("crm.lead", "synced")
	m.Record("crm.lead", "synced")
	m.Record("crm.lead", "failed")
	m.Attachments("uploaded", 2)
	m.Attachments("skipped", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("crm.lead", "synced")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.records.WithLabelValues("crm.lead", "failed")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.attachments.WithLabelValues("uploaded")))

	end := time.Unix(1700000000, 0)
	m.RunFinished("crm.lead", end.Add(-3*time.Second), end)
	require.Equal(t, float64(end.Unix()), testutil.ToFloat64(m.lastRun.WithLabelValues("crm.lead")))
	require.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Record("crm.lead", "synced")
	m.Attachments("uploaded", 1)
	m.RunFinished("crm.lead", time.Now(), time.Now())
}
