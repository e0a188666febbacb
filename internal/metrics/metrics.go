// Package metrics exposes prometheus collectors for synchronization runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync collectors. A nil *Metrics records nothing.
type Metrics struct {
	records     *prometheus.CounterVec
	attachments *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lastRun     *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmsync_records_total",
				Help: "Remote records processed, by outcome",
			},
			[]string{"mapping", "outcome"},
		),
		attachments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmsync_attachments_total",
				Help: "Attachments handled by the merge engine, by result",
			},
			[]string{"result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmsync_run_duration_seconds",
				Help:    "Time spent in one synchronization run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"mapping"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crmsync_last_run_timestamp_seconds",
				Help: "Unix time the last run of a mapping finished",
			},
			[]string{"mapping"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.records, m.attachments, m.runDuration, m.lastRun)
	}
	return m
}

// Record counts one record outcome.
func (m *Metrics) Record(mapping, outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(mapping, outcome).Inc()
}

// Attachments counts n attachments with result.
func (m *Metrics) Attachments(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.attachments.WithLabelValues(result).Add(float64(n))
}

// RunFinished observes the duration of a run that ended at end.
func (m *Metrics) RunFinished(mapping string, started, end time.Time) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(mapping).Observe(end.Sub(started).Seconds())
	m.lastRun.WithLabelValues(mapping).Set(float64(end.Unix()))
}
