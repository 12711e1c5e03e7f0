package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts stage and batch outcomes on a private registry so a run can
// export them as a textfile without serving HTTP.
type Metrics struct {
	registry  *prometheus.Registry
	stages    *prometheus.CounterVec
	batches   *prometheus.CounterVec
	batchRows prometheus.Histogram
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleanclinic_stage_total",
			Help: "Stage executions by stage and status.",
		}, []string{"stage", "status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleanclinic_batches_total",
			Help: "Bronze tables by terminal status.",
		}, []string{"status"}),
		batchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cleanclinic_batch_rows",
			Help:    "Rows per persisted batch.",
			Buckets: prometheus.ExponentialBuckets(10, 10, 7),
		}),
	}
	m.registry.MustRegister(m.stages, m.batches, m.batchRows)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeStage(r StageResult) {
	m.stages.WithLabelValues(r.Stage, string(r.Status)).Inc()
}

func (m *Metrics) observeBatch(status string, rows int) {
	m.batches.WithLabelValues(status).Inc()
	if status == batchPersisted {
		m.batchRows.Observe(float64(rows))
	}
}

// WriteTextfile writes the current values in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
