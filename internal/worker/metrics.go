package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	stageRunsTotal   *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	activeStages     prometheus.Gauge
	assetsTotal      *prometheus.CounterVec
	assetBytesTotal  prometheus.Counter
	eventFailures    prometheus.Counter
	jobWriteFailures prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		stageRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_worker_stage_runs_total",
			Help: "Total stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyforge_worker_stage_duration_seconds",
			Help:    "Duration of each stage run including generation and uploads.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage", "outcome"}),
		activeStages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storyforge_worker_active_stages",
			Help: "Current number of stage runs in progress.",
		}),
		assetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_worker_assets_uploaded_total",
			Help: "Total generated assets uploaded to object storage.",
		}, []string{"stage"}),
		assetBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_worker_asset_bytes_total",
			Help: "Total bytes of generated assets uploaded.",
		}),
		eventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_worker_event_failures_total",
			Help: "Stage events that could not be delivered.",
		}),
		jobWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_worker_job_write_failures_total",
			Help: "Job updates the worker failed to persist.",
		}),
	}

	registry.MustRegister(
		m.stageRunsTotal,
		m.stageDuration,
		m.activeStages,
		m.assetsTotal,
		m.assetBytesTotal,
		m.eventFailures,
		m.jobWriteFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
